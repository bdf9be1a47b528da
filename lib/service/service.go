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

// Package service wires the gateway together and supervises it: it
// owns the listener, the HTTP server, the embedded store and the
// background loops that reap stale sessions and prune auth failure
// records.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/termgate/termgate"
	"github.com/termgate/termgate/lib/auth"
	"github.com/termgate/termgate/lib/backend"
	"github.com/termgate/termgate/lib/backend/lite"
	"github.com/termgate/termgate/lib/config"
	"github.com/termgate/termgate/lib/defaults"
	"github.com/termgate/termgate/lib/httplib"
	"github.com/termgate/termgate/lib/limiter"
	"github.com/termgate/termgate/lib/sandbox"
	"github.com/termgate/termgate/lib/session"
	"github.com/termgate/termgate/lib/tmux"
	"github.com/termgate/termgate/lib/utils"
	"github.com/termgate/termgate/lib/web"
)

var sessionsReaped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: termgate.MetricSessionsReapedTotal,
		Help: "Total number of stale sessions killed by the reaper",
	},
)

// Process is the running gateway. Build one with New, drive it with
// Run and stop it with Shutdown or by cancelling Run's context.
type Process struct {
	cfg     *config.Config
	log     *log.Entry
	reapLog *log.Entry
	clock   clockwork.Clock

	auth     *auth.Authenticator
	registry *session.Registry
	mux      web.Multiplexer
	backend  backend.Backend
	handler  *web.Handler
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener

	stopC    chan struct{}
	stopOnce sync.Once
}

// New validates the configuration, connects to the terminal
// multiplexer and assembles the gateway. It fails hard when the
// multiplexer binary is missing: a gateway that cannot spawn sessions
// has nothing to serve.
func New(cfg *config.Config) (*Process, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(sessionsReaped); err != nil {
		return nil, trace.Wrap(err)
	}
	clock := cfg.Clock
	logger := log.WithFields(log.Fields{
		trace.Component: termgate.ComponentService,
	})

	adapter, err := tmux.NewAdapter(tmux.Config{
		Bin:        cfg.TmuxBin,
		SocketName: cfg.TmuxSocketName,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := adapter.CheckAvailable(context.Background()); err != nil {
		return nil, trace.Wrap(err, "terminal multiplexer is not available")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	bk, err := lite.New(context.Background(), lite.Config{
		Path:  cfg.StorePath(),
		Clock: clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cutoff := clock.Now().Add(-defaults.StorePurgeAge)
	if err := bk.PurgeBefore(context.Background(), cutoff); err != nil {
		logger.WithError(err).Warn("Failed to purge expired store records.")
	}

	authn, err := auth.New(auth.Config{
		Token: cfg.AuthToken,
		Clock: clock,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}
	lim, err := limiter.New(limiter.Config{
		ReadsPerMinute:  cfg.ReadRatePerMinute,
		WritesPerMinute: cfg.WriteRatePerMinute,
		Clock:           clock,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}
	registry := session.NewRegistry()

	handler, err := web.NewHandler(web.HandlerConfig{
		Auth:                authn,
		Limiter:             lim,
		Registry:            registry,
		Multiplexer:         adapter,
		Sandbox:             sandbox.New(),
		Backend:             bk,
		DefaultWorkingDir:   cfg.DefaultWorkingDir,
		CORSOrigin:          cfg.CORSOrigin,
		TrustProxy:          cfg.TrustProxy,
		MaxConnsPerIdentity: cfg.MaxConnsPerIdentity,
		Clock:               clock,
	})
	if err != nil {
		bk.Close()
		return nil, trace.Wrap(err)
	}

	return &Process{
		cfg:      cfg,
		log:      logger,
		reapLog:  log.WithFields(log.Fields{trace.Component: termgate.ComponentReaper}),
		clock:    clock,
		auth:     authn,
		registry: registry,
		mux:      adapter,
		backend:  bk,
		handler:  handler,
		server: &http.Server{
			Handler:           httplib.MakeGzipHandler(handler),
			ReadHeaderTimeout: defaults.ReadHeaderTimeout,
			IdleTimeout:       defaults.HTTPIdleTimeout,
		},
		stopC: make(chan struct{}),
	}, nil
}

// Run binds the listener and serves until the context is cancelled or
// Shutdown is called. It returns nil on a clean shutdown.
func (p *Process) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.cfg.ListenAddr())
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()

	scheme := "http"
	if p.cfg.HTTPS {
		scheme = "https"
	}
	p.log.Infof("Gateway %v is listening on %v://%v.",
		termgate.Version, scheme, listener.Addr())

	go p.reapLoop()
	go p.pruneLoop()

	serveC := make(chan error, 1)
	go func() {
		if p.cfg.HTTPS {
			serveC <- p.server.ServeTLS(listener, p.cfg.CertFile, p.cfg.KeyFile)
		} else {
			serveC <- p.server.Serve(listener)
		}
	}()

	select {
	case <-ctx.Done():
		p.Shutdown()
		<-serveC
		return nil
	case err := <-serveC:
		p.Shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	}
}

// Addr returns the bound listener address, empty before Run.
func (p *Process) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Shutdown stops the gateway: new connections are refused, open
// terminal sockets are closed with a going-away frame and given a
// short drain window, then the listener and the store are torn down.
// Safe to call more than once and concurrently with Run.
func (p *Process) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stopC)
		p.log.Info("Shutting down.")

		p.handler.CloseConnections()
		// Let close frames reach clients before the sockets die with
		// the listener.
		time.Sleep(defaults.ShutdownDrainWait)

		ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownWatchdog)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			p.log.WithError(err).Warn("Graceful shutdown expired, closing the listener.")
			p.server.Close()
		}
		if err := p.backend.Close(); err != nil {
			p.log.WithError(err).Warn("Failed to close the store.")
		}
		p.log.Info("Shutdown complete.")
	})
}

// reapLoop periodically kills sessions nobody is attached to that have
// been idle past the configured TTL.
func (p *Process) reapLoop() {
	ticker := p.clock.NewTicker(defaults.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if n := p.reapStale(context.Background()); n > 0 {
				p.reapLog.Infof("Reaped %v stale sessions.", n)
			}
		case <-p.stopC:
			return
		}
	}
}

// reapStale sweeps the multiplexer once and returns how many sessions
// it killed. Sessions with a live connection are never touched, the
// idle clock is the multiplexer's own activity timestamp.
func (p *Process) reapStale(ctx context.Context) int {
	sessions, err := p.mux.ListAll(ctx)
	if err != nil {
		p.reapLog.WithError(err).Warn("Failed to list sessions.")
		return 0
	}
	active := make(map[string]struct{})
	for _, name := range p.registry.ActiveNames() {
		active[name] = struct{}{}
	}
	cutoff := p.clock.Now().Add(-p.cfg.SessionTTL)

	reaped := 0
	for _, s := range sessions {
		if _, ok := active[s.Name]; ok {
			continue
		}
		if s.LastActivity.After(cutoff) {
			continue
		}
		if err := p.mux.Kill(ctx, s.Name); err != nil {
			p.reapLog.Warnf("Failed to kill stale session %v: %v.", s.Name, err)
			continue
		}
		p.reapLog.Infof("Killed stale session %v, idle since %v.",
			s.Name, s.LastActivity.Format(time.RFC3339))
		sessionsReaped.Inc()
		reaped++
	}
	return reaped
}

// pruneLoop drops expired auth failure records so one-off typos do not
// pin memory for the life of the process.
func (p *Process) pruneLoop() {
	ticker := p.clock.NewTicker(defaults.AuthFailureSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if n := p.auth.PruneFailures(); n > 0 {
				p.log.Debugf("Pruned %v expired auth failure records.", n)
			}
		case <-p.stopC:
			return
		}
	}
}
