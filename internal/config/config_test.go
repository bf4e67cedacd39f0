package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{envVarJWTSecret: "s3cret"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.AuthMode != AuthModeJWT {
		t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeJWT)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("storeDriver=%q, want %q", cfg.StoreDriver, StoreDriverMemory)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("redisURL=%q, want empty", cfg.RedisURL)
	}
	if cfg.JWTTTL != DefaultJWTTTL {
		t.Fatalf("jwtTTL=%v, want %v", cfg.JWTTTL, DefaultJWTTTL)
	}
	if cfg.SignalingAuthTimeout != DefaultSignalingAuthTimeout {
		t.Fatalf("SignalingAuthTimeout=%v, want %v", cfg.SignalingAuthTimeout, DefaultSignalingAuthTimeout)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v", err)
	}
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != 2 {
		t.Fatalf("ICEServers=%+v, want default STUN pair", cfg.ICEServers)
	}
}

func TestProdModeDefaultsToJSONInfo(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMode:     "production",
		envVarAuthMode: "none",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:  "127.0.0.1:1111",
		envVarAuthMode:    "none",
		envVarStoreDriver: "memory",
	}), []string{
		"--listen-addr", "127.0.0.1:2222",
		"--store-driver", "sqlite",
		"--sqlite-path", "/tmp/hub.db",
		"--log-level", "warn",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:2222" {
		t.Fatalf("listenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.StoreDriver != StoreDriverSQLite || cfg.SQLitePath != "/tmp/hub.db" {
		t.Fatalf("store=%q path=%q", cfg.StoreDriver, cfg.SQLitePath)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("logLevel=%v, want warn", cfg.LogLevel)
	}
}

func TestAuthModeRequiresSecrets(t *testing.T) {
	if _, err := load(lookupMap(map[string]string{envVarAuthMode: "jwt"}), nil); err == nil || !strings.Contains(err.Error(), envVarJWTSecret) {
		t.Fatalf("err=%v, want %s error", err, envVarJWTSecret)
	}
	if _, err := load(lookupMap(map[string]string{envVarAuthMode: "api_key"}), nil); err == nil || !strings.Contains(err.Error(), envVarAPIKey) {
		t.Fatalf("err=%v, want %s error", err, envVarAPIKey)
	}
	if _, err := load(lookupMap(map[string]string{envVarAuthMode: "bogus"}), nil); err == nil {
		t.Fatalf("expected invalid auth mode error")
	}
}

func TestPostgresRequiresDatabaseURL(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAuthMode:    "none",
		envVarStoreDriver: "postgres",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarDatabaseURL) {
		t.Fatalf("err=%v, want %s error", err, envVarDatabaseURL)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAuthMode:                "none",
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestInvalidDurationReportsEnvVar(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarAuthMode:             "none",
		envVarSignalingAuthTimeout: "soon",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarSignalingAuthTimeout) {
		t.Fatalf("err=%v, want mention of %s", err, envVarSignalingAuthTimeout)
	}
}

func TestAllowedOriginsNormalized(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAuthMode:       "none",
		envVarAllowedOrigins: "HTTPS://Chat.Example.com:443, *",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://chat.example.com" || cfg.AllowedOrigins[1] != "*" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
}

func TestInvalidICEConfigIsDeferred(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAuthMode: "none",
		envTurnURLs:    "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}
}

func TestDotenvFileFillsGapsOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.env")
	content := "AUTH_MODE=none\nAERO_CHAT_HUB_LISTEN_ADDR=127.0.0.1:3333\nSTORE_DRIVER=sqlite\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	lookup, err := envLookupWithDotenv(lookupMap(map[string]string{
		envVarEnvFile:     path,
		envVarStoreDriver: "memory",
	}))
	if err != nil {
		t.Fatalf("envLookupWithDotenv: %v", err)
	}
	cfg, err := load(lookup, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:3333" {
		t.Fatalf("listenAddr=%q, want value from env file", cfg.ListenAddr)
	}
	if cfg.StoreDriver != StoreDriverMemory {
		t.Fatalf("storeDriver=%q, want process env to win", cfg.StoreDriver)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("authMode=%q, want none", cfg.AuthMode)
	}
}

func TestDotenvExplicitMissingFileFails(t *testing.T) {
	_, err := envLookupWithDotenv(lookupMap(map[string]string{
		envVarEnvFile: filepath.Join(t.TempDir(), "missing.env"),
	}))
	if err == nil {
		t.Fatalf("expected error for explicit missing env file")
	}
}

func TestDurationEnv(t *testing.T) {
	d, err := envDurationOrDefault(lookupMap(map[string]string{"X": " 250ms "}), "X", time.Second)
	if err != nil {
		t.Fatalf("envDurationOrDefault: %v", err)
	}
	if d != 250*time.Millisecond {
		t.Fatalf("d=%v, want 250ms", d)
	}
}
