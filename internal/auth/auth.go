package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is what a verified credential proves about its holder.
//
// UserID is empty when the credential does not bind a user (API keys), in
// which case callers fall back to the identity asserted by the client.
type Identity struct {
	UserID   string
	Username string
}

func (id Identity) Bound() bool { return id.UserID != "" }

type Verifier interface {
	Verify(credential string) (Identity, error)
}

// NewVerifier returns the verifier for cfg.AuthMode. AUTH_MODE=none yields a
// nil Verifier, which callers treat as "accept everyone".
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromRequest extracts a credential from the Authorization header,
// the X-API-Key header, or the token/apiKey query parameters (browsers cannot
// set headers on WebSocket upgrades).
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		scheme, value, ok := strings.Cut(authz, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}

	q := r.URL.Query()
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
			return apiKey, nil
		}
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
	case config.AuthModeJWT:
		if token := q.Get("token"); token != "" {
			return token, nil
		}
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	return "", ErrMissingCredentials
}
