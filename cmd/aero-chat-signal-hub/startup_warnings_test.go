package main

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
	groups  []string
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	return slog.New(h), func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *recordingHandler) clone() *recordingHandler {
	cp := &recordingHandler{mu: h.mu, records: h.records}
	cp.attrs = append([]slog.Attr(nil), h.attrs...)
	cp.groups = append([]string(nil), h.groups...)
	return cp
}

func (h *recordingHandler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func warningCodes(records []recordedLog) map[string]recordedLog {
	out := map[string]recordedLog{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			out[code] = r
		}
	}
	return out
}

func TestStartupSecurityWarnings_AuthModeNone(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:      config.ModeDev,
		AuthMode:  config.AuthModeNone,
		JWTSecret: "dev-secret",
	})

	r, ok := warningCodes(records())["auth_mode_none"]
	if !ok {
		t.Fatalf("expected warning_code=auth_mode_none, got %#v", records())
	}
	if r.attrs["auth_mode"] != config.AuthModeNone {
		t.Fatalf("auth_mode attr = %#v, want %q", r.attrs["auth_mode"], config.AuthModeNone)
	}
}

func TestStartupSecurityWarnings_APIKeyTrustsAssertedIdentity(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:      config.ModeDev,
		AuthMode:  config.AuthModeAPIKey,
		APIKey:    "secret",
		JWTSecret: "dev-secret",
	})

	if _, ok := warningCodes(records())["auth_mode_api_key_asserted_identity"]; !ok {
		t.Fatalf("expected api_key warning, got %#v", records())
	}
}

func TestStartupSecurityWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:           config.ModeDev,
		AuthMode:       config.AuthModeJWT,
		AllowedOrigins: []string{"*"},
		JWTSecret:      "dev-secret",
	})

	if _, ok := warningCodes(records())["allowed_origins_wildcard"]; !ok {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
}

func TestStartupSecurityWarnings_ProdMisconfiguration(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:        config.ModeProd,
		AuthMode:    config.AuthModeJWT,
		JWTSecret:   "short",
		StoreDriver: config.StoreDriverMemory,
	})

	codes := warningCodes(records())
	for _, want := range []string{"jwt_secret_short", "memory_store_in_prod", "api_rate_limit_unlimited_in_prod"} {
		if _, ok := codes[want]; !ok {
			t.Fatalf("missing warning_code=%s, got %#v", want, records())
		}
	}
	if _, ok := codes["auth_mode_none"]; ok {
		t.Fatalf("unexpected auth_mode_none warning in jwt mode")
	}
}

func TestStartupSecurityWarnings_QuietForHardenedProd(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{
		Mode:                     config.ModeProd,
		AuthMode:                 config.AuthModeJWT,
		JWTSecret:                strings.Repeat("k", minJWTSecretBytes),
		StoreDriver:              config.StoreDriverPostgres,
		AllowedOrigins:           []string{"https://chat.example.com"},
		MaxAPIRequestsPerSecond:  20,
		MaxSignalingMessageBytes: 64 * 1024,
	})

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}

func TestStartupWarnings_RESTDisabledWithoutJWTSecret(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupSecurityWarnings(logger, config.Config{Mode: config.ModeDev, AuthMode: config.AuthModeNone})

	if _, ok := warningCodes(records())["rest_api_disabled"]; !ok {
		t.Fatalf("expected warning_code=rest_api_disabled, got %#v", records())
	}
}

func TestResolveBuildInfo_PrefersInjectedValues(t *testing.T) {
	commit, built := resolveBuildInfo("abc123", "2024-01-01T00:00:00Z")
	if commit != "abc123" || built != "2024-01-01T00:00:00Z" {
		t.Fatalf("resolveBuildInfo = (%q, %q)", commit, built)
	}
}
