// Package hub is the real-time half of the service: it upgrades /ws
// connections, authenticates them, registers them for presence and routes
// chat and call-negotiation frames between users.
package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

type Config struct {
	Store    store.ChatStore
	Registry *presence.Registry

	// AuthMode selects where credentials are read from; Verifier checks them.
	// A nil Verifier accepts every connection (AUTH_MODE=none).
	AuthMode config.AuthMode
	Verifier auth.Verifier

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// AuthTimeout bounds how long a connection may stay unauthenticated.
	AuthTimeout time.Duration
	// IdleTimeout closes an authenticated connection that sent neither a
	// frame nor a pong. PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

type Server struct {
	cfg      Config
	registry *presence.Registry
	router   *Router
	relay    *Relay
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.Registry == nil {
		cfg.Registry = presence.NewRegistry(presence.Config{
			Store:   cfg.Store,
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
		})
	}
	return &Server{
		cfg:      cfg,
		registry: cfg.Registry,
		router:   NewRouter(cfg.Store, cfg.Registry, cfg.Metrics, cfg.Logger),
		relay:    NewRelay(cfg.Registry, cfg.Metrics, cfg.Logger),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		conns:    make(map[*conn]struct{}),
	}
}

// Router is shared with the REST API so messages posted over HTTP are pushed
// live too.
func (s *Server) Router() *Router { return s.router }

func (s *Server) Registry() *presence.Registry { return s.registry }

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handleWebSocket(w, r)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// Origin checks are enforced by the outer httpserver origin middleware.
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(ws)
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
		return
	}
	defer s.untrack(c)

	sess := &session{
		srv:  s,
		conn: c,
		req:  r,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
		logger: s.logger.With("conn_id", c.id),
	}
	sess.run()
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close sends every open connection a going-away close frame and drops it.
// Presence cleanup happens as each read loop exits.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*conn]struct{})
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.Close()
	}
}

// OpenConnections counts upgraded connections, authenticated or not.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
