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
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/termgate/termgate/lib/auth"
	"github.com/termgate/termgate/lib/defaults"
	"github.com/termgate/termgate/lib/sandbox"
	"github.com/termgate/termgate/lib/session"
	"github.com/termgate/termgate/lib/term"
	"github.com/termgate/termgate/lib/tmux"
	"github.com/termgate/termgate/lib/utils"
)

// TermChannel is the PTY surface the gateway drives. *term.Channel
// implements it; tests substitute fakes.
type TermChannel interface {
	Data() <-chan []byte
	Wait() <-chan term.ExitStatus
	Write(p []byte) error
	Resize(cols, rows int) error
	Pause()
	Resume()
	Kill()
}

// Multiplexer is the adapter surface the gateway drives. *tmux.Adapter
// implements it; tests substitute fakes.
type Multiplexer interface {
	Has(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, name string, cols, rows int, cwd string) error
	Configure(ctx context.Context, name string) error
	Resize(ctx context.Context, name string, cols, rows int) error
	Capture(ctx context.Context, name string) ([]byte, error)
	CwdOf(ctx context.Context, name string) (string, error)
	Kill(ctx context.Context, name string) error
	ListAll(ctx context.Context) ([]tmux.SessionInfo, error)
	AttachCommand(name string) (string, []string)
}

// attachFunc spawns the PTY channel for a session.
type attachFunc func(params term.Params) (TermChannel, error)

func defaultAttach(params term.Params) (TermChannel, error) {
	return term.Attach(params)
}

// outFrame is one queued outbound websocket frame.
type outFrame struct {
	kind int
	data []byte
}

// termConn is the per-socket state machine: it waits for the auth
// frame, binds to a session, attaches a PTY and pumps bytes both ways
// until either side goes away.
type termConn struct {
	log *log.Entry
	id  string
	ws  *websocket.Conn

	remoteIP string
	suffix   string

	auth           *auth.Authenticator
	registry       *session.Registry
	mux            Multiplexer
	sandbox        *sandbox.Sandbox
	attach         attachFunc
	defaultCwd     string
	maxConns       int
	keepAlive      time.Duration
	authWait       time.Duration
	scrollbackWait time.Duration
	highWater      int64
	lowWater       int64
	streamHigh     int64
	streamLow      int64
	clock          clockwork.Clock
	onClose        func(*termConn)

	// writeC is the outbound queue. queuedBytes tracks payload bytes
	// accepted but not yet flushed to the socket; drainC pulses every
	// time a flush leaves the queue under the low watermark. writerDone
	// closes when the write loop has flushed and exited.
	writeC      chan outFrame
	queuedBytes atomic.Int64
	drainC      chan struct{}
	writerDone  chan struct{}

	authTimer clockwork.Timer

	mu             sync.Mutex
	authed         bool
	closed         bool
	bound          bool
	name           string
	channel        TermChannel
	stream         *fileStream
	lastScrollback time.Time
	pendingHeld    bool

	closeOnce sync.Once
	closedC   chan struct{}
}

func newTermConn(h *Handler, ws *websocket.Conn, remoteIP, suffix string) *termConn {
	cfg := h.cfg
	id := uuid.New().String()
	return &termConn{
		log: h.log.WithFields(log.Fields{
			"conn":   id,
			"remote": remoteIP,
		}),
		id:             id,
		ws:             ws,
		remoteIP:       remoteIP,
		suffix:         suffix,
		auth:           cfg.Auth,
		registry:       cfg.Registry,
		mux:            cfg.Multiplexer,
		sandbox:        cfg.Sandbox,
		attach:         cfg.AttachFn,
		defaultCwd:     cfg.DefaultWorkingDir,
		maxConns:       cfg.MaxConnsPerIdentity,
		keepAlive:      cfg.KeepAliveInterval,
		authWait:       cfg.AuthWaitTimeout,
		scrollbackWait: cfg.ScrollbackInterval,
		highWater:      int64(cfg.HighWatermark),
		lowWater:       int64(cfg.LowWatermark),
		streamHigh:     int64(cfg.StreamHighWatermark),
		streamLow:      int64(cfg.StreamLowWatermark),
		clock:          cfg.Clock,
		onClose:        h.removeConn,

		writeC:      make(chan outFrame, defaults.WriteQueueDepth),
		drainC:      make(chan struct{}, 1),
		writerDone:  make(chan struct{}),
		pendingHeld: true,
		closedC:     make(chan struct{}),
	}
}

// run pumps the connection until it closes. It blocks the caller.
func (c *termConn) run() {
	c.ws.SetReadDeadline(deadlineForInterval(c.keepAlive))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(deadlineForInterval(c.keepAlive))
		return nil
	})

	c.authTimer = c.clock.AfterFunc(c.authWait, func() {
		c.log.Debugf("No auth frame within %v.", c.authWait)
		c.close(CloseUnauthorized, "authentication timeout")
	})

	go c.writeLoop()
	go c.pingLoop()
	c.readLoop()
}

// deadlineForInterval returns a read deadline that tolerates one
// missed pong.
func deadlineForInterval(interval time.Duration) time.Time {
	return time.Now().Add(interval * 2)
}

// Kick implements session.Conn: another connection took over this
// connection's session.
func (c *termConn) Kick(reason string) {
	c.close(CloseReplaced, reason)
}

// close tears the connection down exactly once: stops timers, cancels
// any file stream, sends the close frame, releases the registry entry
// and the PTY. The multiplexer session stays alive. The close frame
// rides the write queue so frames accepted before the close, such as an
// error message, still reach the client first.
func (c *termConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if c.authTimer != nil {
			c.authTimer.Stop()
		}

		c.mu.Lock()
		c.closed = true
		stream := c.stream
		c.stream = nil
		channel := c.channel
		name := c.name
		bound := c.bound
		held := c.pendingHeld
		c.pendingHeld = false
		c.mu.Unlock()

		if stream != nil {
			stream.cancel()
		}

		closeFrame := websocket.FormatCloseMessage(code, reason)
		c.queuedBytes.Add(int64(len(closeFrame)))
		select {
		case c.writeC <- outFrame{kind: websocket.CloseMessage, data: closeFrame}:
		default:
			// Queue full, the peer is not reading anyway.
			c.queuedBytes.Add(-int64(len(closeFrame)))
			c.ws.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second))
		}
		close(c.closedC)

		select {
		case <-c.writerDone:
		case <-time.After(time.Second):
		}
		c.ws.Close()

		if bound {
			c.registry.Unbind(name, c)
		}
		if channel != nil {
			channel.Kill()
		}
		if held {
			c.auth.ReleasePending()
		}
		if c.onClose != nil {
			c.onClose(c)
		}
		c.log.Debugf("Connection closed with %v %q.", code, reason)
	})
}

func (c *termConn) releasePending() {
	c.mu.Lock()
	held := c.pendingHeld
	c.pendingHeld = false
	c.mu.Unlock()
	if held {
		c.auth.ReleasePending()
	}
}

// enqueue hands a frame to the write loop, accounting its bytes
// against the backpressure watermarks.
func (c *termConn) enqueue(kind int, data []byte) error {
	c.queuedBytes.Add(int64(len(data)))
	select {
	case c.writeC <- outFrame{kind: kind, data: data}:
		return nil
	case <-c.closedC:
		c.queuedBytes.Add(-int64(len(data)))
		return trace.ConnectionProblem(nil, "connection closed")
	}
}

func (c *termConn) enqueueJSON(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	return c.enqueue(websocket.TextMessage, data)
}

func (c *termConn) enqueueBinary(tag byte, payload []byte) error {
	data := make([]byte, 1+len(payload))
	data[0] = tag
	copy(data[1:], payload)
	return c.enqueue(websocket.BinaryMessage, data)
}

func (c *termConn) sendError(message string) {
	if err := c.enqueueJSON(errorMessage{Type: messageTypeError, Message: message}); err != nil {
		c.log.Debugf("Failed to send error message: %v.", err)
	}
}

// writeLoop is the only goroutine writing data frames to the socket.
// On teardown it drains frames accepted before the close so they go
// out ahead of the close frame.
func (c *termConn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case fr := <-c.writeC:
			if !c.writeFrame(fr) {
				return
			}
		case <-c.closedC:
			for {
				select {
				case fr := <-c.writeC:
					if !c.writeFrame(fr) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *termConn) writeFrame(fr outFrame) bool {
	c.ws.SetWriteDeadline(time.Now().Add(defaults.WriteTimeout))
	err := c.ws.WriteMessage(fr.kind, fr.data)
	c.queuedBytes.Add(-int64(len(fr.data)))
	if err != nil {
		c.log.Debugf("Websocket write failed: %v.", err)
		// close waits for this loop to exit, so it cannot run inline.
		go c.close(websocket.CloseAbnormalClosure, "write failed")
		return false
	}
	// Wake anyone parked on the watermarks; waiters re-check their own
	// thresholds.
	select {
	case c.drainC <- struct{}{}:
	default:
	}
	return true
}

// pingLoop keeps the connection alive and detects dead peers: a peer
// that misses two intervals trips the read deadline.
func (c *termConn) pingLoop() {
	ticker := c.clock.NewTicker(c.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			deadline := time.Now().Add(time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debugf("Keepalive ping failed: %v.", err)
				c.close(websocket.CloseAbnormalClosure, "keepalive failed")
				return
			}
		case <-c.closedC:
			return
		}
	}
}

func (c *termConn) readLoop() {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close(websocket.CloseAbnormalClosure, "connection lost")
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			c.handleBinary(data)
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

// handleBinary delivers keystrokes to the PTY. This is the input hot
// path.
func (c *termConn) handleBinary(data []byte) {
	if len(data) == 0 {
		return
	}
	c.mu.Lock()
	authed := c.authed
	channel := c.channel
	c.mu.Unlock()

	if !authed {
		c.close(CloseUnauthorized, "authentication required")
		return
	}
	if data[0] != TagInput {
		c.log.Debugf("Dropping binary frame with unexpected tag %#x.", data[0])
		return
	}
	if channel == nil {
		return
	}
	if err := channel.Write(data[1:]); err != nil {
		c.log.Debugf("PTY write failed: %v.", err)
	}
}

func (c *termConn) handleText(data []byte) {
	msg, err := parseClientMessage(data)

	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()

	if err != nil {
		if !authed {
			c.close(CloseUnauthorized, "authentication required")
			return
		}
		c.sendError(trace.UserMessage(err))
		return
	}

	if m, ok := msg.(*authRequest); ok {
		if authed {
			c.log.Debugf("Ignoring duplicate auth frame.")
			return
		}
		c.handleAuth(m)
		return
	}
	if !authed {
		c.close(CloseUnauthorized, "authentication required")
		return
	}

	switch m := msg.(type) {
	case *inputRequest:
		c.mu.Lock()
		channel := c.channel
		c.mu.Unlock()
		if channel != nil {
			if err := channel.Write([]byte(m.Data)); err != nil {
				c.log.Debugf("PTY write failed: %v.", err)
			}
		}
	case *resizeRequest:
		c.handleResize(m)
	case *pingRequest:
		if err := c.enqueueJSON(pongMessage{
			Type:      messageTypePong,
			Timestamp: c.clock.Now().UnixMilli(),
		}); err != nil {
			c.log.Debugf("Failed to send pong: %v.", err)
		}
	case *scrollbackRequest:
		c.handleScrollback()
	case *streamFileRequest:
		c.startStream(m.Path)
	case *cancelStreamRequest:
		c.cancelStream()
	}
}

// handleAuth validates the first-frame token and sets the session up.
func (c *termConn) handleAuth(m *authRequest) {
	c.authTimer.Stop()

	if !c.auth.VerifyToken(m.Token) {
		c.auth.RecordFailure(c.remoteIP)
		authFailures.Inc()
		c.releasePending()
		c.close(CloseUnauthorized, "invalid token")
		return
	}
	c.releasePending()

	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()

	identity := c.auth.IdentityKey()
	if c.registry.CountForPrefix(session.IdentityPrefix(identity)) >= c.maxConns {
		c.close(CloseTooManyConns, "too many connections for identity")
		return
	}

	if err := c.initSession(m, identity); err != nil {
		c.log.Warnf("Session init failed: %v.", err)
		c.sendError(trace.UserMessage(err))
		c.close(CloseInitFailed, "session init failed")
	}
}

// initSession binds the connection to its session, creating or
// resuming the multiplexer session, and attaches the PTY. On resume
// the scrollback frame precedes the connected message; connected
// precedes all output.
func (c *termConn) initSession(m *authRequest, identity string) error {
	cols, rows := normalizeDims(m.Cols, m.Rows)

	name, err := session.BuildName(identity, c.suffix)
	if err != nil {
		return trace.Wrap(err)
	}

	prev := c.registry.Bind(name, c)
	c.mu.Lock()
	c.name = name
	c.bound = true
	c.mu.Unlock()
	if prev != nil {
		prev.Kick("replaced by new connection")
	}

	ctx := context.Background()
	resumed, err := c.mux.Has(ctx, name)
	if err != nil {
		return trace.Wrap(err)
	}

	if !resumed {
		cwd := c.defaultCwd
		if m.Cwd != "" && filepath.IsAbs(m.Cwd) && utils.IsDir(m.Cwd) {
			cwd = m.Cwd
		}
		if err := c.mux.Create(ctx, name, cols, rows, cwd); err != nil {
			return trace.Wrap(err)
		}
		sessionsCreated.Inc()
	} else {
		var scrollback []byte
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return trace.Wrap(c.mux.Resize(gctx, name, cols, rows))
		})
		g.Go(func() error {
			return trace.Wrap(c.mux.Configure(gctx, name))
		})
		g.Go(func() error {
			out, err := c.mux.Capture(gctx, name)
			if err != nil {
				return trace.Wrap(err)
			}
			scrollback = out
			return nil
		})
		if err := g.Wait(); err != nil {
			return trace.Wrap(err)
		}
		if len(scrollback) > 0 {
			if err := c.enqueueBinary(TagScrollback, normalizeLineEndings(scrollback)); err != nil {
				return trace.Wrap(err)
			}
		}
	}

	if err := c.enqueueJSON(connectedMessage{Type: messageTypeConnected, Resumed: resumed}); err != nil {
		return trace.Wrap(err)
	}

	bin, args := c.mux.AttachCommand(name)
	channel, err := c.attach(term.Params{Bin: bin, Args: args, Cols: cols, Rows: rows})
	if err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		channel.Kill()
		return trace.ConnectionProblem(nil, "connection closed")
	}
	c.channel = channel
	c.mu.Unlock()

	go c.pumpOutput(channel)
	go c.watchExit(channel)

	c.log.Infof("Attached to session %v (resumed=%v).", name, resumed)
	return nil
}

// pumpOutput forwards PTY chunks to the socket, pausing the PTY when
// the queue crosses the high watermark and resuming once it drains
// under the low one. The watermark is checked after the send so the
// frame that crosses the line still goes out.
func (c *termConn) pumpOutput(channel TermChannel) {
	paused := false
	for {
		select {
		case chunk, ok := <-channel.Data():
			if !ok {
				return
			}
			if err := c.enqueueBinary(TagOutput, chunk); err != nil {
				return
			}
			terminalBytesSent.Add(float64(len(chunk)))

			if !paused && c.queuedBytes.Load() > c.highWater {
				channel.Pause()
				paused = true
			}
			if paused {
				for c.queuedBytes.Load() >= c.lowWater {
					select {
					case <-c.drainC:
					case <-c.closedC:
						return
					}
				}
				channel.Resume()
				paused = false
			}
		case <-c.closedC:
			return
		}
	}
}

func (c *termConn) watchExit(channel TermChannel) {
	select {
	case status := <-channel.Wait():
		c.log.Debugf("PTY exited with code %v signal %q.", status.Code, status.Signal)
		c.close(websocket.CloseNormalClosure, "session ended")
	case <-c.closedC:
	}
}

// handleResize resizes the PTY and the multiplexer session in
// parallel. Multiplexer failures are ignored, the PTY size is what the
// client sees.
func (c *termConn) handleResize(m *resizeRequest) {
	cols, rows := clampDim(m.Cols), clampDim(m.Rows)

	c.mu.Lock()
	channel := c.channel
	name := c.name
	c.mu.Unlock()
	if channel == nil {
		return
	}

	go func() {
		if err := c.mux.Resize(context.Background(), name, cols, rows); err != nil {
			c.log.Debugf("Multiplexer resize failed: %v.", err)
		}
	}()
	if err := channel.Resize(cols, rows); err != nil {
		c.log.Debugf("PTY resize failed: %v.", err)
	}
}

// handleScrollback captures the session's scroll buffer on demand, at
// most once per interval per connection.
func (c *termConn) handleScrollback() {
	c.mu.Lock()
	name := c.name
	bound := c.channel != nil
	now := c.clock.Now()
	if now.Sub(c.lastScrollback) < c.scrollbackWait {
		c.mu.Unlock()
		c.log.Debugf("Dropping scrollback request inside the rate window.")
		return
	}
	c.lastScrollback = now
	c.mu.Unlock()
	if !bound {
		return
	}

	go func() {
		out, err := c.mux.Capture(context.Background(), name)
		if err != nil {
			c.log.Debugf("Scrollback capture failed: %v.", err)
			c.sendError("scrollback capture failed")
			return
		}
		if len(out) == 0 {
			return
		}
		if err := c.enqueueBinary(TagScrollbackContent, normalizeLineEndings(out)); err != nil {
			c.log.Debugf("Failed to send scrollback: %v.", err)
		}
	}()
}

// normalizeDims fills in default terminal dimensions and clamps them
// to the supported range.
func normalizeDims(cols, rows int) (int, int) {
	if cols == 0 {
		cols = defaults.TermCols
	}
	if rows == 0 {
		rows = defaults.TermRows
	}
	return clampDim(cols), clampDim(rows)
}

func clampDim(v int) int {
	if v < defaults.TermDimensionMin {
		return defaults.TermDimensionMin
	}
	if v > defaults.TermDimensionMax {
		return defaults.TermDimensionMax
	}
	return v
}

// normalizeLineEndings rewrites capture output so bare newlines become
// the carriage return pairs terminals expect.
func normalizeLineEndings(p []byte) []byte {
	p = bytes.ReplaceAll(p, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))
}
