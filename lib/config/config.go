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

// Package config assembles the gateway configuration from CLI flags
// and environment variables.
package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/termgate/termgate/lib/defaults"
	"github.com/termgate/termgate/lib/utils"
)

// Config carries every tunable of the gateway process.
type Config struct {
	// ListenHost is the interface to bind to.
	ListenHost string

	// ListenPort is the TCP port to bind to.
	ListenPort int

	// AuthToken is the shared secret. Empty disables authentication and
	// assigns every client the identity "default".
	AuthToken string

	// DefaultWorkingDir is where new sessions start when the client
	// does not request a directory. Defaults to the invoking user's
	// home directory.
	DefaultWorkingDir string

	// HTTPS terminates TLS at the gateway using CertFile and KeyFile.
	HTTPS    bool
	CertFile string
	KeyFile  string

	// CORSOrigin is the Access-Control-Allow-Origin value, empty
	// disables CORS headers.
	CORSOrigin string

	// TrustProxy is the number of proxy hops whose X-Forwarded-For
	// entries are trusted when resolving the client address.
	TrustProxy int

	// MaxConnsPerIdentity caps concurrently open sockets per identity.
	MaxConnsPerIdentity int

	// SessionTTL is how long a detached session survives before the
	// reaper kills it.
	SessionTTL time.Duration

	// ReadRatePerMinute and WriteRatePerMinute are the per-address REST
	// budgets.
	ReadRatePerMinute  int
	WriteRatePerMinute int

	// DataDir holds the embedded database.
	DataDir string

	// TmuxBin overrides the tmux binary location.
	TmuxBin string

	// TmuxSocketName isolates the gateway on its own tmux server when
	// set.
	TmuxSocketName string

	// Debug enables verbose logging.
	Debug bool

	// Clock overrides time in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.ListenHost == "" {
		cfg.ListenHost = defaults.ListenHost
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = defaults.ListenPort
	}
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return trace.BadParameter("invalid listen port %v", cfg.ListenPort)
	}
	if cfg.DefaultWorkingDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.Wrap(err, "no default working directory and no home directory")
		}
		cfg.DefaultWorkingDir = home
	}
	if !filepath.IsAbs(cfg.DefaultWorkingDir) {
		return trace.BadParameter("default working directory %q must be absolute", cfg.DefaultWorkingDir)
	}
	if !utils.IsDir(cfg.DefaultWorkingDir) {
		return trace.BadParameter("default working directory %q is not a directory", cfg.DefaultWorkingDir)
	}
	if cfg.HTTPS && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return trace.BadParameter("https requires both a certificate and a key file")
	}
	if cfg.TrustProxy < 0 {
		return trace.BadParameter("trust proxy hop count must not be negative")
	}
	if cfg.MaxConnsPerIdentity == 0 {
		cfg.MaxConnsPerIdentity = defaults.MaxConnsPerIdentity
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaults.SessionTTL
	}
	if cfg.ReadRatePerMinute == 0 {
		cfg.ReadRatePerMinute = defaults.ReadRequestsPerMinute
	}
	if cfg.WriteRatePerMinute == 0 {
		cfg.WriteRatePerMinute = defaults.WriteRequestsPerMinute
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.TmuxBin == "" {
		cfg.TmuxBin = defaults.TmuxBin
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ListenAddr returns the host:port the gateway binds to.
func (cfg *Config) ListenAddr() string {
	return net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
}

// StorePath returns the embedded database location.
func (cfg *Config) StorePath() string {
	return filepath.Join(cfg.DataDir, defaults.StoreFilename)
}
