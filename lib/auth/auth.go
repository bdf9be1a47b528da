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

// Package auth implements shared secret verification for the gateway:
// constant-time token compare, the identity key derived from the token,
// the pending-auth slot counter, and per-address failure throttling.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/termgate/termgate"
	"github.com/termgate/termgate/lib/defaults"
)

// DefaultIdentity is the identity key shared by all connections when no
// token is configured.
const DefaultIdentity = "default"

// Config holds Authenticator parameters.
type Config struct {
	// Token is the shared secret. Empty disables authentication and
	// every connection assumes DefaultIdentity.
	Token string
	// MaxPending caps accepted but unauthenticated sockets.
	MaxPending int
	// MaxFailures is the failed attempt budget per address within Window.
	MaxFailures int
	// Window is the sliding failure window.
	Window time.Duration
	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxPending < 0 || c.MaxFailures < 0 {
		return trace.BadParameter("negative throttling limits")
	}
	if c.MaxPending == 0 {
		c.MaxPending = defaults.MaxPendingAuth
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = defaults.MaxAuthFailures
	}
	if c.Window == 0 {
		c.Window = defaults.AuthFailureWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Authenticator verifies tokens and throttles authentication attempts.
// All methods are safe for concurrent use.
type Authenticator struct {
	log   *log.Entry
	clock clockwork.Clock

	enabled     bool
	tokenDigest [sha256.Size]byte
	identity    string

	maxPending  int
	maxFailures int
	window      time.Duration

	mu       sync.Mutex
	pending  int
	failures map[string]*failureBucket
}

type failureBucket struct {
	count   int
	resetAt time.Time
}

// New returns an Authenticator for the given config.
func New(cfg Config) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	a := &Authenticator{
		log: log.WithFields(log.Fields{
			trace.Component: termgate.ComponentAuth,
		}),
		clock:       cfg.Clock,
		enabled:     cfg.Token != "",
		identity:    DefaultIdentity,
		maxPending:  cfg.MaxPending,
		maxFailures: cfg.MaxFailures,
		window:      cfg.Window,
		failures:    make(map[string]*failureBucket),
	}
	if a.enabled {
		a.tokenDigest = sha256.Sum256([]byte(cfg.Token))
		a.identity = hex.EncodeToString(a.tokenDigest[:])[:defaults.IdentityKeyLen]
	}
	return a, nil
}

// Enabled reports whether a token is configured.
func (a *Authenticator) Enabled() bool {
	return a.enabled
}

// IdentityKey returns the stable identity derived from the configured
// token. It prefixes session names and keys per-identity storage.
func (a *Authenticator) IdentityKey() string {
	return a.identity
}

// VerifyToken compares candidate against the configured token. Digests
// are compared rather than the raw strings so the comparison runs in
// constant time regardless of candidate length.
func (a *Authenticator) VerifyToken(candidate string) bool {
	if !a.enabled {
		return true
	}
	if candidate == "" {
		return false
	}
	digest := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(digest[:], a.tokenDigest[:]) == 1
}

// AcquirePending claims a pending-auth slot for a freshly accepted
// socket. It reports false when the process-wide cap is reached. When
// authentication is disabled no slot accounting happens.
func (a *Authenticator) AcquirePending() bool {
	if !a.enabled {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending >= a.maxPending {
		return false
	}
	a.pending++
	return true
}

// ReleasePending returns a slot claimed by AcquirePending. Called on
// successful auth, failed auth, and close-while-pending.
func (a *Authenticator) ReleasePending() {
	if !a.enabled {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending > 0 {
		a.pending--
	}
}

// RecordFailure charges a failed auth attempt to addr.
func (a *Authenticator) RecordFailure(addr string) {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket := a.failures[addr]
	if bucket == nil || now.After(bucket.resetAt) {
		a.failures[addr] = &failureBucket{count: 1, resetAt: now.Add(a.window)}
		return
	}
	bucket.count++
	if bucket.count == a.maxFailures {
		a.log.Warnf("Blocking auth attempts from %v for %v.", addr, a.window)
	}
}

// IsBlocked reports whether addr has exhausted its failure budget for
// the current window.
func (a *Authenticator) IsBlocked(addr string) bool {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	bucket := a.failures[addr]
	if bucket == nil || now.After(bucket.resetAt) {
		return false
	}
	return bucket.count >= a.maxFailures
}

// PruneFailures drops expired failure buckets and returns how many were
// removed. The supervisor sweeps periodically to bound memory.
func (a *Authenticator) PruneFailures() int {
	now := a.clock.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	pruned := 0
	for addr, bucket := range a.failures {
		if now.After(bucket.resetAt) {
			delete(a.failures, addr)
			pruned++
		}
	}
	return pruned
}
