/*
Copyright 2025 TermGate Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package defaults contains default constants set in various parts of
// the termgate codebase, grouped by the subsystem they belong to.
package defaults

import "time"

// Listen and HTTP defaults.
const (
	// ListenHost is the interface the gateway binds to when none is
	// configured.
	ListenHost = "127.0.0.1"

	// ListenPort is the TCP port the gateway binds to when none is
	// configured.
	ListenPort = 8090

	// MaxJSONBodyBytes caps the size of any JSON request body accepted
	// by the REST API.
	MaxJSONBodyBytes = 256 * 1024

	// MaxUploadBytes caps the size of a single file upload.
	MaxUploadBytes = 100 * 1024 * 1024

	// HTTPIdleTimeout is the keep-alive idle timeout of the HTTP server.
	HTTPIdleTimeout = 2 * time.Minute

	// ReadHeaderTimeout bounds how long the server waits for request
	// headers.
	ReadHeaderTimeout = 10 * time.Second
)

// WebSocket gateway defaults.
const (
	// AuthWaitTimeout is how long a freshly accepted socket may sit in
	// the pending state before the first auth frame arrives.
	AuthWaitTimeout = 5 * time.Second

	// KeepAliveInterval is the period between websocket ping frames.
	// A peer that misses two intervals is considered dead.
	KeepAliveInterval = 20 * time.Second

	// HighWatermark is the queued-byte count above which terminal
	// output is paused until the socket drains.
	HighWatermark = 1024 * 1024

	// LowWatermark is the queued-byte count below which paused terminal
	// output resumes.
	LowWatermark = 512 * 1024

	// WriteQueueDepth is the capacity, in frames, of the per-connection
	// outbound queue.
	WriteQueueDepth = 512

	// WriteTimeout bounds a single websocket write.
	WriteTimeout = 10 * time.Second

	// TermCols is the terminal width used when the client does not
	// supply one.
	TermCols = 80

	// TermRows is the terminal height used when the client does not
	// supply one.
	TermRows = 24

	// TermDimensionMin and TermDimensionMax clamp client supplied
	// terminal dimensions.
	TermDimensionMin = 1
	TermDimensionMax = 500

	// ScrollbackInterval is the minimum spacing between scrollback
	// capture requests on one connection.
	ScrollbackInterval = 2 * time.Second
)

// File streaming defaults.
const (
	// MaxStreamFileBytes caps the size of a file served over the
	// in-connection stream subprotocol.
	MaxStreamFileBytes = 50 * 1024 * 1024

	// StreamChunkBytes is the read unit of the file streamer.
	StreamChunkBytes = 64 * 1024

	// StreamHighWatermark pauses file chunk reads while the socket
	// queue is above it.
	StreamHighWatermark = 1024 * 1024

	// StreamLowWatermark resumes file chunk reads once the socket
	// queue falls below it.
	StreamLowWatermark = 512 * 1024
)

// Auth and rate limit defaults.
const (
	// MaxPendingAuth caps sockets that are accepted but not yet
	// authenticated, across the whole process.
	MaxPendingAuth = 50

	// MaxAuthFailures is the number of failed auth attempts from one
	// address tolerated within AuthFailureWindow.
	MaxAuthFailures = 5

	// AuthFailureWindow is the sliding window for MaxAuthFailures.
	AuthFailureWindow = time.Minute

	// AuthFailureSweepInterval is how often expired failure buckets are
	// pruned.
	AuthFailureSweepInterval = 5 * time.Minute

	// MaxConnsPerIdentity caps concurrently open sockets bound to
	// sessions of one identity.
	MaxConnsPerIdentity = 10

	// IdentityKeyLen is the length, in hex characters, of the digest
	// prefix that forms an identity key.
	IdentityKeyLen = 16

	// ReadRequestsPerMinute is the per-address budget of REST reads.
	ReadRequestsPerMinute = 180

	// WriteRequestsPerMinute is the per-address budget of REST writes.
	WriteRequestsPerMinute = 60

	// LimiterIdleTTL is how long an idle rate limit bucket survives
	// before its cache entry is dropped.
	LimiterIdleTTL = 10 * time.Minute
)

// Filesystem defaults.
const (
	// DataDir is where the gateway keeps its embedded database.
	DataDir = "/var/lib/termgate"

	// StoreFilename is the database file name inside the data
	// directory.
	StoreFilename = "termgate.db"
)

// Multiplexer adapter defaults.
const (
	// TmuxBin is the multiplexer binary resolved from PATH when no
	// explicit path is configured.
	TmuxBin = "tmux"

	// TmuxCallTimeout is the wall-clock bound on one tmux invocation.
	TmuxCallTimeout = 3 * time.Second

	// ScrollbackLines is how many lines of history a capture returns.
	ScrollbackLines = 1000
)

// Session lifecycle defaults.
const (
	// SessionTTL is how long a detached session survives before the
	// reaper kills it.
	SessionTTL = 24 * time.Hour

	// ReapInterval is how often the stale session reaper runs.
	ReapInterval = time.Hour

	// MaxSessionSuffixLen bounds the client supplied session id.
	MaxSessionSuffixLen = 64
)

// Path sandbox defaults.
const (
	// SandboxCacheSize is the capacity of the canonical base path
	// cache.
	SandboxCacheSize = 128

	// SandboxCacheTTL is how long a canonical base path stays cached.
	SandboxCacheTTL = 5 * time.Second
)

// Directory listing defaults.
const (
	// ListStatConcurrency bounds parallel stat calls during a
	// directory listing.
	ListStatConcurrency = 50

	// ListMaxEntries caps entries returned by one directory listing.
	ListMaxEntries = 1000
)

// Store defaults.
const (
	// StorePurgeAge is the age past which drafts and annotations are
	// purged at startup.
	StorePurgeAge = 7 * 24 * time.Hour

	// StoreBusyTimeout is the sqlite busy handler timeout.
	StoreBusyTimeout = 5 * time.Second
)

// Shutdown defaults.
const (
	// ShutdownDrainWait is how long closed sockets are given to flush
	// before the listener is torn down.
	ShutdownDrainWait = 500 * time.Millisecond

	// ShutdownWatchdog force-exits the process if graceful shutdown
	// takes longer.
	ShutdownWatchdog = 5 * time.Second
)
