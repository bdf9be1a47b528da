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

package service

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/lib/config"
	"github.com/termgate/termgate/lib/session"
	"github.com/termgate/termgate/lib/tmux"
)

// reapMux is a multiplexer stub for the reaper tests. Only ListAll and
// Kill do anything, the reaper never calls the rest.
type reapMux struct {
	mu       sync.Mutex
	sessions map[string]tmux.SessionInfo
	killErr  map[string]error
	listErr  error
	attempts []string
}

func newReapMux() *reapMux {
	return &reapMux{
		sessions: make(map[string]tmux.SessionInfo),
		killErr:  make(map[string]error),
	}
}

func (m *reapMux) add(name string, lastActivity time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[name] = tmux.SessionInfo{
		Name:         name,
		Created:      lastActivity,
		LastActivity: lastActivity,
	}
}

func (m *reapMux) has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	return ok
}

func (m *reapMux) killAttempts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.attempts...)
}

func (m *reapMux) Has(ctx context.Context, name string) (bool, error) {
	return m.has(name), nil
}

func (m *reapMux) Create(ctx context.Context, name string, cols, rows int, cwd string) error {
	return nil
}

func (m *reapMux) Configure(ctx context.Context, name string) error {
	return nil
}

func (m *reapMux) Resize(ctx context.Context, name string, cols, rows int) error {
	return nil
}

func (m *reapMux) Capture(ctx context.Context, name string) ([]byte, error) {
	return nil, nil
}

func (m *reapMux) CwdOf(ctx context.Context, name string) (string, error) {
	return "", nil
}

func (m *reapMux) Kill(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, name)
	if err := m.killErr[name]; err != nil {
		return err
	}
	delete(m.sessions, name)
	return nil
}

func (m *reapMux) ListAll(ctx context.Context) ([]tmux.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]tmux.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (m *reapMux) AttachCommand(name string) (string, []string) {
	return "true", nil
}

type stubConn struct{}

func (stubConn) Kick(string) {}

func newReapProcess(t *testing.T, mux *reapMux, clock clockwork.Clock, ttl time.Duration) *Process {
	t.Helper()
	logger := log.WithFields(log.Fields{trace.Component: "test"})
	return &Process{
		cfg:      &config.Config{SessionTTL: ttl},
		log:      logger,
		reapLog:  logger,
		clock:    clock,
		registry: session.NewRegistry(),
		mux:      mux,
		stopC:    make(chan struct{}),
	}
}

func TestReapStale(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Now())
	now := clock.Now()
	mux := newReapMux()
	mux.add("termgate-default-attached", now.Add(-48*time.Hour))
	mux.add("termgate-default-fresh", now.Add(-time.Hour))
	mux.add("termgate-default-stale", now.Add(-25*time.Hour))
	mux.add("termgate-default-boundary", now.Add(-24*time.Hour))

	p := newReapProcess(t, mux, clock, 24*time.Hour)
	prev := p.registry.Bind("termgate-default-attached", stubConn{})
	require.Nil(t, prev)

	require.Equal(t, 2, p.reapStale(context.Background()))

	require.True(t, mux.has("termgate-default-attached"))
	require.True(t, mux.has("termgate-default-fresh"))
	require.False(t, mux.has("termgate-default-stale"))
	require.False(t, mux.has("termgate-default-boundary"))
	require.ElementsMatch(t,
		[]string{"termgate-default-stale", "termgate-default-boundary"},
		mux.killAttempts())
}

func TestReapListFailure(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Now())
	mux := newReapMux()
	mux.add("termgate-default-stale", clock.Now().Add(-48*time.Hour))
	mux.listErr = trace.ConnectionProblem(nil, "no server")

	p := newReapProcess(t, mux, clock, 24*time.Hour)
	require.Equal(t, 0, p.reapStale(context.Background()))
	require.Empty(t, mux.killAttempts())
}

func TestReapKillFailure(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Now())
	now := clock.Now()
	mux := newReapMux()
	mux.add("termgate-default-one", now.Add(-30*time.Hour))
	mux.add("termgate-default-two", now.Add(-30*time.Hour))
	mux.killErr["termgate-default-one"] = trace.ConnectionProblem(nil, "tmux went away")

	p := newReapProcess(t, mux, clock, 24*time.Hour)
	require.Equal(t, 1, p.reapStale(context.Background()))

	// Both were attempted, only the healthy one is gone.
	require.Len(t, mux.killAttempts(), 2)
	require.True(t, mux.has("termgate-default-one"))
	require.False(t, mux.has("termgate-default-two"))
}

func TestNewFailsWithoutMultiplexer(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		DefaultWorkingDir: t.TempDir(),
		DataDir:           t.TempDir(),
		TmuxBin:           filepath.Join(t.TempDir(), "missing-tmux"),
	}
	_, err := New(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not available")

	// The store must not be created when boot fails before it opens.
	_, err = os.Stat(cfg.StorePath())
	require.True(t, os.IsNotExist(err))
}

func TestProcessBootAndShutdown(t *testing.T) {
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux is not installed")
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := &config.Config{
		ListenHost:        "127.0.0.1",
		ListenPort:        port,
		AuthToken:         "boot-test-token",
		DefaultWorkingDir: t.TempDir(),
		DataDir:           t.TempDir(),
		TmuxSocketName:    fmt.Sprintf("termgate-test-%v", os.Getpid()),
	}
	p, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runC := make(chan error, 1)
	go func() {
		runC <- p.Run(ctx)
	}()

	base := fmt.Sprintf("http://127.0.0.1:%v", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, fmt.Sprintf("127.0.0.1:%v", port), p.Addr())

	req, err := http.NewRequest(http.MethodGet, base+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer boot-test-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "sessions")

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.True(t, strings.Contains(string(body), "termgate_active_connections"))

	cancel()
	select {
	case err := <-runC:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not shut down in time")
	}
}
