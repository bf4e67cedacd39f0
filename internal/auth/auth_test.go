package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
)

func TestCredentialFromRequest(t *testing.T) {
	t.Run("bearer header wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=query", nil)
		r.Header.Set("Authorization", "Bearer header-token")
		cred, err := CredentialFromRequest(config.AuthModeJWT, r)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "header-token" {
			t.Fatalf("cred=%q, want header-token", cred)
		}
	})

	t.Run("jwt query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=t", nil)
		cred, err := CredentialFromRequest(config.AuthModeJWT, r)
		if err != nil || cred != "t" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})

	t.Run("api key header and query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("X-API-Key", "k")
		cred, err := CredentialFromRequest(config.AuthModeAPIKey, r)
		if err != nil || cred != "k" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}

		r = httptest.NewRequest("GET", "/ws?apiKey=q", nil)
		cred, err = CredentialFromRequest(config.AuthModeAPIKey, r)
		if err != nil || cred != "q" {
			t.Fatalf("cred=%q err=%v", cred, err)
		}
	})

	t.Run("none", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=x", nil)
		cred, err := CredentialFromRequest(config.AuthModeNone, r)
		if err != nil || cred != "" {
			t.Fatalf("cred=%q err=%v, want empty", cred, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		_, err := CredentialFromRequest(config.AuthModeJWT, r)
		if !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v, want ErrMissingCredentials", err)
		}
	})
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	if err != nil || v != nil {
		t.Fatalf("none: v=%v err=%v, want nil verifier", v, err)
	}
	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("api_key: %v", err)
	}
	if _, err := v.Verify("k"); err != nil {
		t.Fatalf("api_key verify: %v", err)
	}
	if _, err := NewVerifier(config.Config{AuthMode: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestAPIKeyVerifier(t *testing.T) {
	v := APIKeyVerifier{Expected: "secret"}
	id, err := v.Verify("secret")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Bound() {
		t.Fatalf("api keys must not bind an identity, got %+v", id)
	}
	if _, err := v.Verify("nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
	if _, err := (APIKeyVerifier{}).Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials for empty key", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("123"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("err=%v, want ErrWeakPassword", err)
	}
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "correct horse" {
		t.Fatalf("hash must not equal the password")
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := CheckPassword(hash, "battery staple"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
}
