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

// Package web implements the gateway's HTTP surface: the websocket
// terminal endpoint, the REST API for sessions, files and per-identity
// storage, and the health and metrics endpoints.
package web

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/termgate/termgate"
	"github.com/termgate/termgate/lib/auth"
	"github.com/termgate/termgate/lib/backend"
	"github.com/termgate/termgate/lib/defaults"
	"github.com/termgate/termgate/lib/httplib"
	"github.com/termgate/termgate/lib/limiter"
	"github.com/termgate/termgate/lib/sandbox"
	"github.com/termgate/termgate/lib/session"
	"github.com/termgate/termgate/lib/utils"
)

var (
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: termgate.MetricActiveConnections,
			Help: "Number of terminal websocket connections currently open",
		},
	)
	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: termgate.MetricConnectionsTotal,
			Help: "Total number of terminal websocket connections accepted",
		},
	)
	authFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: termgate.MetricAuthFailuresTotal,
			Help: "Total number of rejected authentication attempts",
		},
	)
	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: termgate.MetricSessionsCreatedTotal,
			Help: "Total number of multiplexer sessions created",
		},
	)
	terminalBytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: termgate.MetricTerminalBytesTotal,
			Help: "Total terminal output bytes sent to clients",
		},
	)
	streamBytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: termgate.MetricStreamBytesTotal,
			Help: "Total file stream bytes sent to clients",
		},
	)
)

// HandlerConfig collects the dependencies of the web handler.
type HandlerConfig struct {
	// Auth validates tokens and tracks failed attempts.
	Auth *auth.Authenticator
	// Limiter rate limits REST requests per client IP.
	Limiter *limiter.Limiter
	// Registry maps live session names to their connections.
	Registry *session.Registry
	// Multiplexer drives the terminal multiplexer.
	Multiplexer Multiplexer
	// Sandbox confines file operations to the session working directory.
	Sandbox *sandbox.Sandbox
	// Backend stores drafts, annotations and settings.
	Backend backend.Backend
	// DefaultWorkingDir is where new sessions start.
	DefaultWorkingDir string
	// CORSOrigin is the allowed browser origin, "*" allows any.
	CORSOrigin string
	// TrustProxy is how many proxy hops to trust in X-Forwarded-For.
	TrustProxy int
	// MaxConnsPerIdentity caps concurrent connections per identity.
	MaxConnsPerIdentity int
	// KeepAliveInterval is the websocket ping period.
	KeepAliveInterval time.Duration
	// AuthWaitTimeout is how long a socket may stay unauthenticated.
	AuthWaitTimeout time.Duration
	// ScrollbackInterval rate limits capture requests per connection.
	ScrollbackInterval time.Duration
	// HighWatermark pauses PTY output when this many bytes are queued.
	HighWatermark int
	// LowWatermark resumes PTY output when the queue drains below it.
	LowWatermark int
	// StreamHighWatermark pauses file streaming when the queue is full.
	StreamHighWatermark int
	// StreamLowWatermark resumes file streaming after a drain.
	StreamLowWatermark int
	// AttachFn spawns PTY channels, overridden in tests.
	AttachFn attachFunc
	// Clock is the time source.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *HandlerConfig) CheckAndSetDefaults() error {
	if cfg.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if cfg.Limiter == nil {
		return trace.BadParameter("missing parameter Limiter")
	}
	if cfg.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if cfg.Multiplexer == nil {
		return trace.BadParameter("missing parameter Multiplexer")
	}
	if cfg.Sandbox == nil {
		return trace.BadParameter("missing parameter Sandbox")
	}
	if cfg.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if cfg.MaxConnsPerIdentity == 0 {
		cfg.MaxConnsPerIdentity = defaults.MaxConnsPerIdentity
	}
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = defaults.KeepAliveInterval
	}
	if cfg.AuthWaitTimeout == 0 {
		cfg.AuthWaitTimeout = defaults.AuthWaitTimeout
	}
	if cfg.ScrollbackInterval == 0 {
		cfg.ScrollbackInterval = defaults.ScrollbackInterval
	}
	if cfg.HighWatermark == 0 {
		cfg.HighWatermark = defaults.HighWatermark
	}
	if cfg.LowWatermark == 0 {
		cfg.LowWatermark = defaults.LowWatermark
	}
	if cfg.StreamHighWatermark == 0 {
		cfg.StreamHighWatermark = defaults.StreamHighWatermark
	}
	if cfg.StreamLowWatermark == 0 {
		cfg.StreamLowWatermark = defaults.StreamLowWatermark
	}
	if cfg.AttachFn == nil {
		cfg.AttachFn = defaultAttach
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler serves the gateway's HTTP API.
type Handler struct {
	httprouter.Router
	cfg   HandlerConfig
	log   *log.Entry
	start time.Time

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*termConn]struct{}
	closed bool
}

// NewHandler builds the route table and registers the metrics.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	err := utils.RegisterPrometheusCollectors(
		activeConnections,
		connectionsTotal,
		authFailures,
		sessionsCreated,
		terminalBytesSent,
		streamBytesSent,
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	h := &Handler{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: termgate.ComponentWeb,
		}),
		start: cfg.Clock.Now(),
		conns: make(map[*termConn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	h.GET("/ws", h.handleTerminal)

	h.GET("/api/health", httplib.MakeHandler(h.health))
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	h.GET("/api/sessions", h.withAuth(false, h.listSessions))
	h.GET("/api/sessions/:name/cwd", h.withAuth(false, h.sessionCwd))
	h.DELETE("/api/sessions/:name", h.withAuth(true, h.deleteSession))

	h.GET("/api/sessions/:name/files", h.withAuth(false, h.listFiles))
	h.GET("/api/sessions/:name/files/download", h.withAuth(false, h.downloadFile))
	h.POST("/api/sessions/:name/files/upload", h.withAuth(true, h.uploadFile))
	h.POST("/api/sessions/:name/files/touch", h.withAuth(true, h.touchFile))

	h.GET("/api/sessions/:name/draft", h.withAuth(false, h.getDraft))
	h.PUT("/api/sessions/:name/draft", h.withAuth(true, h.putDraft))
	h.GET("/api/sessions/:name/annotations", h.withAuth(false, h.getAnnotation))
	h.PUT("/api/sessions/:name/annotations", h.withAuth(true, h.putAnnotation))

	h.GET("/api/settings/:key", h.withAuth(false, h.getSetting))
	h.PUT("/api/settings/:key", h.withAuth(true, h.putSetting))
	h.GET("/api/tabs-layout", h.withAuth(false, h.getTabsLayout))
	h.PUT("/api/tabs-layout", httplib.MakeHandler(h.putTabsLayout))

	h.Router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return h, nil
}

// ServeHTTP sets the response headers shared by every route before
// dispatching.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httplib.SetSecurityHeaders(w.Header())
	httplib.SetNoCacheHeaders(w.Header())
	httplib.SetCORSHeaders(w.Header(), h.cfg.CORSOrigin)
	h.Router.ServeHTTP(w, r)
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Uptime  int64  `json:"uptime"`
	Version string `json:"version"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	return healthResponse{
		OK:      true,
		Uptime:  int64(h.cfg.Clock.Now().Sub(h.start).Seconds()),
		Version: termgate.Version,
	}, nil
}

// withAuth wraps a REST handler with rate limiting and bearer token
// authentication. Rate limit rejections come back 429, missing or bad
// tokens 401.
func (h *Handler) withAuth(write bool, fn httplib.HandlerFunc) httprouter.Handle {
	wrapped := func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		ip := utils.ClientIP(r, h.cfg.TrustProxy)
		var allowed bool
		if write {
			allowed = h.cfg.Limiter.AllowWrite(ip)
		} else {
			allowed = h.cfg.Limiter.AllowRead(ip)
		}
		if !allowed {
			return nil, trace.LimitExceeded("rate limit exceeded")
		}
		if !h.cfg.Auth.VerifyToken(bearerToken(r)) {
			httplib.ReplyUnauthorized(w)
			return nil, nil
		}
		return fn(w, r, p)
	}
	return httplib.MakeHandler(wrapped)
}

// bearerToken extracts the token from the Authorization header, empty
// when absent or malformed.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

// handleTerminal upgrades the connection and hands it to a termConn.
// Upgrade happens first so every rejection is a websocket close frame
// the browser can read, not an HTTP error.
func (h *Handler) handleTerminal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("Websocket upgrade failed: %v.", err)
		return
	}

	suffix := r.URL.Query().Get("sessionId")
	if err := session.CheckSuffix(suffix); err != nil {
		closeNow(ws, CloseInvalidSessionID, "invalid session name")
		return
	}

	ip := utils.ClientIP(r, h.cfg.TrustProxy)
	if h.cfg.Auth.IsBlocked(ip) {
		authFailures.Inc()
		closeNow(ws, CloseUnauthorized, "too many failed attempts")
		return
	}
	if !h.cfg.Auth.AcquirePending() {
		closeNow(ws, CloseTooManyPending, "too many pending connections")
		return
	}

	c := newTermConn(h, ws, ip, suffix)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.releasePending()
		closeNow(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	connectionsTotal.Inc()
	activeConnections.Inc()
	c.run()
}

func closeNow(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}

func (h *Handler) removeConn(c *termConn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		activeConnections.Dec()
	}
}

// checkOrigin admits a websocket upgrade based on the configured CORS
// origin. Requests without an Origin header are not browsers and pass.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.CORSOrigin == "" || h.cfg.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == h.cfg.CORSOrigin
}

// CloseConnections kicks every live connection with a going away
// close. New connections are refused afterwards.
func (h *Handler) CloseConnections() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*termConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// ActiveConnections reports how many websocket connections are open.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
