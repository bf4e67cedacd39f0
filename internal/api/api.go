// Package api is the REST surface under /api: account creation and login,
// contacts and search, chat history, message posting and call records.
//
// Every route except register and login requires a bearer JWT. The token's
// subject is the caller's user ID.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/hub"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

const maxRequestBodyBytes = 64 * 1024

type Config struct {
	Store    store.ChatStore
	Router   *hub.Router
	Registry *presence.Registry

	// Verifier checks bearer tokens and Issuer mints them at login. Both use
	// the same JWT secret.
	Verifier auth.Verifier
	Issuer   *auth.Issuer

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxRequestsPerSecond is the per-caller budget. Authenticated routes are
	// keyed by user ID, register and login by remote address. <= 0 disables it.
	MaxRequestsPerSecond int
	MaxRateLimitKeys     int
	Clock                ratelimit.Clock
}

type API struct {
	store    store.ChatStore
	router   *hub.Router
	registry *presence.Registry
	verifier auth.Verifier
	issuer   *auth.Issuer
	metrics  *metrics.Metrics
	log      *slog.Logger
	limiter  *ratelimit.KeyedLimiter
}

func New(cfg Config) (*API, error) {
	if cfg.Store == nil || cfg.Router == nil || cfg.Registry == nil {
		return nil, errors.New("api: store, router and registry are required")
	}
	if cfg.Verifier == nil || cfg.Issuer == nil {
		return nil, errors.New("api: token verifier and issuer are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &API{
		store:    cfg.Store,
		router:   cfg.Router,
		registry: cfg.Registry,
		verifier: cfg.Verifier,
		issuer:   cfg.Issuer,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		limiter:  ratelimit.NewKeyedLimiter(cfg.Clock, cfg.MaxRequestsPerSecond, cfg.MaxRateLimitKeys, nil),
	}, nil
}

// Handler returns the chi router. Its routes are rooted at /api so it can be
// mounted on a ServeMux under "/api/".
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.AllowContentType("application/json"))
	r.Use(chimw.RequestSize(maxRequestBodyBytes))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.rateLimitByAddr)
			r.Post("/register", a.register)
			r.Post("/login", a.login)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireUser)
			r.Use(a.rateLimitByUser)

			r.Get("/me", a.me)
			r.Get("/contacts", a.contacts)
			r.Get("/users/search", a.searchUsers)
			r.Get("/presence", a.presence)

			r.Get("/chats", a.listChats)
			r.Get("/chats/{userId}", a.chatWith)

			r.Get("/messages/{chatId}", a.listMessages)
			r.Post("/messages", a.postMessage)
			r.Post("/messages/{messageId}/read", a.markRead)

			r.Get("/calls", a.callHistory)
			r.Post("/calls", a.createCall)
			r.Patch("/calls/{callId}", a.updateCall)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	httpserver.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	httpserver.WriteJSON(w, status, map[string]string{"error": message})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// decodeBody decodes a single JSON object and rejects unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body: trailing data")
	}
	return nil
}

// storeError maps store sentinels to HTTP statuses. Anything unexpected is
// logged and reported as a 500 without details.
func (a *API) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "username already taken")
	case errors.Is(err, store.ErrInvalidCallTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.log.Error("api: store failure", "op", op, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
