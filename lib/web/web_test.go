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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/lib/auth"
	"github.com/termgate/termgate/lib/backend/lite"
	"github.com/termgate/termgate/lib/limiter"
	"github.com/termgate/termgate/lib/sandbox"
	"github.com/termgate/termgate/lib/session"
	"github.com/termgate/termgate/lib/term"
	"github.com/termgate/termgate/lib/tmux"
)

const testToken = "web-test-token"

// muxSession is one fake multiplexer session.
type muxSession struct {
	cols, rows int
	cwd        string
	created    time.Time
	lastActive time.Time
	configured bool
}

// fakeMux is an in-memory Multiplexer.
type fakeMux struct {
	mu         sync.Mutex
	defaultCwd string
	sessions   map[string]*muxSession
	scrollback map[string][]byte
	createErr  error
	captureErr error
}

func newFakeMux(cwd string) *fakeMux {
	return &fakeMux{
		defaultCwd: cwd,
		sessions:   make(map[string]*muxSession),
		scrollback: make(map[string][]byte),
	}
}

func (m *fakeMux) add(name string, created, lastActive time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[name] = &muxSession{
		cwd:        m.defaultCwd,
		created:    created,
		lastActive: lastActive,
	}
}

func (m *fakeMux) setScrollback(name string, p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrollback[name] = p
}

func (m *fakeMux) session(name string) (muxSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return muxSession{}, false
	}
	return *s, true
}

func (m *fakeMux) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *fakeMux) Has(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[name]
	return ok, nil
}

func (m *fakeMux) Create(ctx context.Context, name string, cols, rows int, cwd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.sessions[name] = &muxSession{
		cols:       cols,
		rows:       rows,
		cwd:        cwd,
		created:    time.Now(),
		lastActive: time.Now(),
	}
	return nil
}

func (m *fakeMux) Configure(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[name]; ok {
		s.configured = true
	}
	return nil
}

func (m *fakeMux) Resize(ctx context.Context, name string, cols, rows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return trace.NotFound("session %q not found", name)
	}
	s.cols, s.rows = cols, rows
	return nil
}

func (m *fakeMux) Capture(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.captureErr != nil {
		return nil, m.captureErr
	}
	return m.scrollback[name], nil
}

func (m *fakeMux) CwdOf(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return "", trace.NotFound("session %q not found", name)
	}
	return s.cwd, nil
}

func (m *fakeMux) Kill(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; !ok {
		return trace.NotFound("session %q not found", name)
	}
	delete(m.sessions, name)
	return nil
}

func (m *fakeMux) ListAll(ctx context.Context) ([]tmux.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]tmux.SessionInfo, 0, len(m.sessions))
	for name, s := range m.sessions {
		infos = append(infos, tmux.SessionInfo{
			Name:         name,
			Created:      s.created,
			LastActivity: s.lastActive,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (m *fakeMux) AttachCommand(name string) (string, []string) {
	return "fake-attach", []string{name}
}

// fakeChannel is an in-memory TermChannel.
type fakeChannel struct {
	params term.Params
	dataC  chan []byte
	exitC  chan term.ExitStatus

	mu      sync.Mutex
	writes  bytes.Buffer
	resizes [][2]int
	paused  bool
	pauses  int
	resumes int
	killed  bool
}

func newFakeChannel(params term.Params) *fakeChannel {
	return &fakeChannel{
		params: params,
		dataC:  make(chan []byte, 256),
		exitC:  make(chan term.ExitStatus, 1),
	}
}

func (f *fakeChannel) Data() <-chan []byte { return f.dataC }

func (f *fakeChannel) Wait() <-chan term.ExitStatus { return f.exitC }

func (f *fakeChannel) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes.Write(p)
	return nil
}

func (f *fakeChannel) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]int{cols, rows})
	return nil
}

func (f *fakeChannel) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.pauses++
}

func (f *fakeChannel) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.resumes++
}

func (f *fakeChannel) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
}

func (f *fakeChannel) emit(t *testing.T, p []byte) {
	t.Helper()
	select {
	case f.dataC <- p:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout emitting PTY output")
	}
}

func (f *fakeChannel) exit(status term.ExitStatus) {
	f.exitC <- status
}

func (f *fakeChannel) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.String()
}

func (f *fakeChannel) resized() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]int, len(f.resizes))
	copy(out, f.resizes)
	return out
}

func (f *fakeChannel) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeChannel) pauseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauses
}

func (f *fakeChannel) resumeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumes
}

func (f *fakeChannel) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

type packConfig struct {
	token              string
	maxPending         int
	maxFailures        int
	maxConns           int
	readsPerMinute     int
	writesPerMinute    int
	highWater          int
	lowWater           int
	streamHigh         int
	streamLow          int
	authWait           time.Duration
	scrollbackInterval time.Duration
	corsOrigin         string
	clock              clockwork.Clock
	attachErr          error
}

type packOption func(*packConfig)

func withToken(token string) packOption {
	return func(cfg *packConfig) { cfg.token = token }
}

func withMaxPending(n int) packOption {
	return func(cfg *packConfig) { cfg.maxPending = n }
}

func withMaxFailures(n int) packOption {
	return func(cfg *packConfig) { cfg.maxFailures = n }
}

func withMaxConns(n int) packOption {
	return func(cfg *packConfig) { cfg.maxConns = n }
}

func withRates(reads, writes int) packOption {
	return func(cfg *packConfig) {
		cfg.readsPerMinute = reads
		cfg.writesPerMinute = writes
	}
}

func withWatermarks(high, low int) packOption {
	return func(cfg *packConfig) {
		cfg.highWater = high
		cfg.lowWater = low
	}
}

func withAuthWait(d time.Duration) packOption {
	return func(cfg *packConfig) { cfg.authWait = d }
}

func withScrollbackInterval(d time.Duration) packOption {
	return func(cfg *packConfig) { cfg.scrollbackInterval = d }
}

func withCORSOrigin(origin string) packOption {
	return func(cfg *packConfig) { cfg.corsOrigin = origin }
}

func withAttachError(err error) packOption {
	return func(cfg *packConfig) { cfg.attachErr = err }
}

// webPack is a running handler with fake multiplexer and PTY wiring.
type webPack struct {
	handler  *Handler
	server   *httptest.Server
	mux      *fakeMux
	registry *session.Registry
	auth     *auth.Authenticator
	channels chan *fakeChannel
	dir      string
}

func newWebPack(t *testing.T, opts ...packOption) *webPack {
	t.Helper()

	cfg := packConfig{token: testToken}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.clock == nil {
		cfg.clock = clockwork.NewRealClock()
	}

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	authn, err := auth.New(auth.Config{
		Token:       cfg.token,
		MaxPending:  cfg.maxPending,
		MaxFailures: cfg.maxFailures,
		Clock:       cfg.clock,
	})
	require.NoError(t, err)

	lim, err := limiter.New(limiter.Config{
		ReadsPerMinute:  cfg.readsPerMinute,
		WritesPerMinute: cfg.writesPerMinute,
		Clock:           cfg.clock,
	})
	require.NoError(t, err)

	bk, err := lite.New(context.Background(), lite.Config{
		Path: filepath.Join(t.TempDir(), "web.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { bk.Close() })

	registry := session.NewRegistry()
	mux := newFakeMux(dir)
	channels := make(chan *fakeChannel, 16)
	attach := func(params term.Params) (TermChannel, error) {
		if cfg.attachErr != nil {
			return nil, cfg.attachErr
		}
		ch := newFakeChannel(params)
		channels <- ch
		return ch, nil
	}

	handler, err := NewHandler(HandlerConfig{
		Auth:                authn,
		Limiter:             lim,
		Registry:            registry,
		Multiplexer:         mux,
		Sandbox:             sandbox.New(),
		Backend:             bk,
		DefaultWorkingDir:   dir,
		CORSOrigin:          cfg.corsOrigin,
		MaxConnsPerIdentity: cfg.maxConns,
		AuthWaitTimeout:     cfg.authWait,
		ScrollbackInterval:  cfg.scrollbackInterval,
		HighWatermark:       cfg.highWater,
		LowWatermark:        cfg.lowWater,
		StreamHighWatermark: cfg.streamHigh,
		StreamLowWatermark:  cfg.streamLow,
		AttachFn:            attach,
		Clock:               cfg.clock,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	t.Cleanup(handler.CloseConnections)

	return &webPack{
		handler:  handler,
		server:   server,
		mux:      mux,
		registry: registry,
		auth:     authn,
		channels: channels,
		dir:      dir,
	}
}

// sessionName returns the full multiplexer session name for a suffix
// under the pack identity.
func (p *webPack) sessionName(t *testing.T, suffix string) string {
	t.Helper()
	name, err := session.BuildName(p.auth.IdentityKey(), suffix)
	require.NoError(t, err)
	return name
}

func (p *webPack) wsURL(sessionID string) string {
	u := "ws" + strings.TrimPrefix(p.server.URL, "http") + "/ws"
	if sessionID != "" {
		u += "?sessionId=" + url.QueryEscape(sessionID)
	}
	return u
}

func (p *webPack) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(p.wsURL(sessionID), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// connect dials, authenticates and waits for the connected message,
// returning the socket and the fake PTY channel behind it.
func (p *webPack) connect(t *testing.T, sessionID string) (*websocket.Conn, *fakeChannel) {
	t.Helper()
	ws := p.dial(t, sessionID)
	sendJSON(t, ws, map[string]interface{}{"type": "auth", "token": testToken})
	expectConnected(t, ws, false)
	return ws, p.nextChannel(t)
}

func (p *webPack) nextChannel(t *testing.T) *fakeChannel {
	t.Helper()
	select {
	case ch := <-p.channels:
		return ch
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for PTY attach")
		return nil
	}
}

func sendJSON(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func readMessage(t *testing.T, ws *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

// readText reads one text frame and decodes it into a generic map.
func readText(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	kind, data := readMessage(t, ws)
	require.Equal(t, websocket.TextMessage, kind, "expected a text frame, got %q", data)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readBinary reads one binary frame and returns its tag and payload.
func readBinary(t *testing.T, ws *websocket.Conn) (byte, []byte) {
	t.Helper()
	kind, data := readMessage(t, ws)
	require.Equal(t, websocket.BinaryMessage, kind, "expected a binary frame, got %q", data)
	require.NotEmpty(t, data)
	return data[0], data[1:]
}

func expectConnected(t *testing.T, ws *websocket.Conn, resumed bool) {
	t.Helper()
	msg := readText(t, ws)
	require.Equal(t, "connected", msg["type"])
	require.Equal(t, resumed, msg["resumed"])
}

// expectCloseCode drains frames until the peer closes the socket and
// asserts the close code.
func expectCloseCode(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		require.True(t, websocket.IsCloseError(err, code), "expected close code %v, got %v", code, err)
		return
	}
}

// drainUntilTimeout reads frames until the window elapses and returns
// the raw payloads seen. A timed-out read poisons the websocket, so
// this must be the last read on the socket.
func drainUntilTimeout(t *testing.T, ws *websocket.Conn, window time.Duration) [][]byte {
	t.Helper()
	deadline := time.Now().Add(window)
	var frames [][]byte
	for {
		ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			return frames
		}
		frames = append(frames, data)
	}
}
