package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/api"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/hub"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/presence"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-chat-signal-hub",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"store_driver", cfg.StoreDriver,
		"redis_presence", cfg.RedisURL != "",
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)
	logStartupSecurityWarnings(logger, cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelStart()

	st, err := store.Open(startCtx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close failed", "err", err)
		}
	}()

	var mirror *presence.RedisMirror
	if cfg.RedisURL != "" {
		mirror, err = presence.NewRedisMirror(startCtx, cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("connect presence redis: %w", err)
		}
		defer func() { _ = mirror.Close() }()
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	m := metrics.New()
	registry := presence.NewRegistry(presence.Config{
		Store:   st,
		Mirror:  presenceMirror(mirror),
		Logger:  logger,
		Metrics: m,
	})
	hubSrv := hub.NewServer(hub.Config{
		Store:                st,
		Registry:             registry,
		AuthMode:             cfg.AuthMode,
		Verifier:             verifier,
		Metrics:              m,
		Logger:               logger,
		AuthTimeout:          cfg.SignalingAuthTimeout,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.AddReadinessCheck("store", st.Ping)
	if mirror != nil {
		srv.AddReadinessCheck("presence redis", mirror.Ping)
	}

	srv.HandleWithOrigin("GET /ws", hubSrv)
	if cfg.JWTSecret != "" {
		rest, err := api.New(api.Config{
			Store:                st,
			Router:               hubSrv.Router(),
			Registry:             registry,
			Verifier:             auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer),
			Issuer:               auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL),
			Metrics:              m,
			Logger:               logger,
			MaxRequestsPerSecond: cfg.MaxAPIRequestsPerSecond,
			MaxRateLimitKeys:     cfg.MaxAPIRateLimitKeys,
		})
		if err != nil {
			return fmt.Errorf("configure rest api: %w", err)
		}
		srv.HandleWithOrigin("/api/", rest.Handler())
	}
	srv.Mux().Handle("GET /metrics", metrics.Handler(m, registry.Len))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		hubSrv.Close()
		registry.Close(context.Background())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not covered by http.Server.Shutdown,
	// so the hub closes them itself.
	hubSrv.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	registry.Close(shutdownCtx)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}

// presenceMirror keeps a nil *RedisMirror from becoming a non-nil interface.
func presenceMirror(m *presence.RedisMirror) presence.Mirror {
	if m == nil {
		return nil
	}
	return m
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
