package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
)

type contextKey string

const identityKey contextKey = "identity"

// identityFrom returns the identity stored by requireUser.
func identityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok && id.Bound()
}

func (a *API) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.CredentialFromRequest(config.AuthModeJWT, r)
		if err != nil {
			a.metrics.Inc(metrics.AuthFailure)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := a.verifier.Verify(token)
		if err != nil || !id.Bound() {
			a.metrics.Inc(metrics.AuthFailure)
			msg := "invalid token"
			if errors.Is(err, auth.ErrUnsupportedJWT) {
				msg = "unsupported token"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func (a *API) rateLimitByUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := identityFrom(r.Context())
		if !a.limiter.Allow("user:" + id.UserID) {
			a.rejectRateLimited(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) rateLimitByAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !a.limiter.Allow("addr:" + host) {
			a.rejectRateLimited(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) rejectRateLimited(w http.ResponseWriter) {
	a.metrics.Inc(metrics.APIRateLimited)
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
