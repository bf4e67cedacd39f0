package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
)

// RFC 7518 asks for HS256 keys of at least 256 bits.
const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.AuthMode {
	case config.AuthModeNone:
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication; the userId in each auth frame is trusted as-is",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	case config.AuthModeAPIKey:
		logger.Warn("startup security warning: AUTH_MODE=api_key shares one key between all clients; the userId in each auth frame is trusted",
			"warning_code", "auth_mode_api_key_asserted_identity",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is unset; the /api REST surface (register, login, history) is disabled",
			"warning_code", "rest_api_disabled",
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is short for HS256 while --mode=prod",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"min_bytes", minJWTSecretBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("startup warning: STORE_DRIVER=memory while --mode=prod (users, chats and call history are lost on restart)",
			"warning_code", "memory_store_in_prod",
			"store_driver", cfg.StoreDriver,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxAPIRequestsPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_API_REQUESTS_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "api_rate_limit_unlimited_in_prod",
			"max_api_requests_per_second", cfg.MaxAPIRequestsPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "signaling_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
