package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/origin"
)

const (
	corsAllowMethods = "GET,POST,PATCH,DELETE,OPTIONS"
	corsAllowHeaders = "Authorization,Content-Type,X-Request-ID"
	corsMaxAge       = "600"
)

func (s *Server) originMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return s.withOriginPolicy(next.ServeHTTP)
	}
}

// withOriginPolicy rejects requests from origins outside ALLOWED_ORIGINS
// (same-host requests are always allowed) and answers CORS preflights.
// Requests without an Origin header are not from browsers and pass through.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	policy := origin.Policy{AllowedOrigins: s.cfg.AllowedOrigins}
	return func(w http.ResponseWriter, r *http.Request) {
		normalizedOrigin, ok := policy.Check(r)
		if !ok {
			s.log.Debug("origin rejected", "origin", r.Header.Get("Origin"), "path", r.URL.Path)
			WriteJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
			return
		}
		if normalizedOrigin == "" {
			next(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", normalizedOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID,Retry-After")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			allowHeaders := corsAllowHeaders
			if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
				allowHeaders = requested
			}
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
