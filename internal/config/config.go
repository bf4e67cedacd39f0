package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/origin"
)

const (
	envVarEnvFile         = "AERO_CHAT_HUB_ENV_FILE"
	envVarListenAddr      = "AERO_CHAT_HUB_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_CHAT_HUB_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_CHAT_HUB_LOG_FORMAT"
	envVarLogLevel        = "AERO_CHAT_HUB_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_CHAT_HUB_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_CHAT_HUB_MODE"

	// Auth for the signaling WebSocket and the REST API.
	envVarAuthMode  = "AUTH_MODE"
	envVarAPIKey    = "API_KEY"
	envVarJWTSecret = "JWT_SECRET"
	envVarJWTIssuer = "JWT_ISSUER"
	envVarJWTTTL    = "JWT_TTL"

	// Persistence and presence.
	envVarStoreDriver = "STORE_DRIVER"
	envVarSQLitePath  = "SQLITE_PATH"
	envVarDatabaseURL = "DATABASE_URL"
	envVarRedisURL    = "REDIS_URL"
	envVarPresenceTTL = "PRESENCE_TTL"

	// Signaling WebSocket hardening.
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// REST API per-user request budget.
	envVarMaxAPIRequestsPerSecond = "MAX_API_REQUESTS_PER_SECOND"
	envVarMaxAPIRateLimitKeys     = "MAX_API_RATE_LIMIT_KEYS"

	DefaultEnvFile              = ".env"
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultMode        Mode     = ModeDev
	DefaultAuthMode    AuthMode = AuthModeJWT
	DefaultJWTIssuer            = "aero-chat-signal-hub"
	DefaultJWTTTL               = 24 * time.Hour
	DefaultStoreDriver          = StoreDriverMemory
	DefaultSQLitePath           = "chat-signal-hub.db"
	DefaultPresenceTTL          = 2 * time.Minute

	DefaultSignalingAuthTimeout          = 5 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultMaxAPIRequestsPerSecond = 20
	DefaultMaxAPIRateLimitKeys     = 4096
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type StoreDriver string

const (
	StoreDriverMemory   StoreDriver = "memory"
	StoreDriverSQLite   StoreDriver = "sqlite"
	StoreDriverPostgres StoreDriver = "postgres"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string
	JWTIssuer string
	JWTTTL    time.Duration

	StoreDriver StoreDriver
	SQLitePath  string
	DatabaseURL string
	// RedisURL enables the presence mirror when non-empty.
	RedisURL    string
	PresenceTTL time.Duration

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// MaxAPIRequestsPerSecond is a per-identity budget for REST calls. A value
	// <= 0 disables the limit.
	MaxAPIRequestsPerSecond int
	MaxAPIRateLimitKeys     int

	ICEServers []webrtc.ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// Load reads configuration from the process environment, an optional dotenv
// file and command line flags. Flags win over the environment, and real
// environment variables win over values from the dotenv file.
func Load(args []string) (Config, error) {
	lookup, err := envLookupWithDotenv(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}
	return load(lookup, args)
}

func envLookupWithDotenv(lookup func(string) (string, bool)) (func(string) (string, bool), error) {
	path, explicit := lookup(envVarEnvFile)
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultEnvFile
		explicit = false
	}

	fileValues, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("read %s %q: %w", envVarEnvFile, path, err)
	}

	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := fileValues[key]
		return v, ok
	}, nil
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, DefaultSTUNURLs)
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	authModeStr := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtIssuer := envOrDefault(lookup, envVarJWTIssuer, DefaultJWTIssuer)

	storeDriverStr := envOrDefault(lookup, envVarStoreDriver, string(DefaultStoreDriver))
	sqlitePath := envOrDefault(lookup, envVarSQLitePath, DefaultSQLitePath)
	databaseURL := envOrDefault(lookup, envVarDatabaseURL, "")
	redisURL := envOrDefault(lookup, envVarRedisURL, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	jwtTTL, err := envDurationOrDefault(lookup, envVarJWTTTL, DefaultJWTTTL)
	if err != nil {
		return Config{}, err
	}
	presenceTTL, err := envDurationOrDefault(lookup, envVarPresenceTTL, DefaultPresenceTTL)
	if err != nil {
		return Config{}, err
	}
	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxAPIRequestsPerSecond, err := envIntOrDefault(lookup, envVarMaxAPIRequestsPerSecond, DefaultMaxAPIRequestsPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxAPIRateLimitKeys, err := envIntOrDefault(lookup, envVarMaxAPIRateLimitKeys, DefaultMaxAPIRateLimitKeys)
	if err != nil {
		return Config{}, err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("aero-chat-signal-hub", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Auth mode: none, api_key or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtIssuer, "jwt-issuer", jwtIssuer, "Issuer claim for tokens minted by /api/login (env "+envVarJWTIssuer+")")
	fs.DurationVar(&jwtTTL, "jwt-ttl", jwtTTL, "Lifetime of tokens minted by /api/login (env "+envVarJWTTTL+")")

	fs.StringVar(&storeDriverStr, "store-driver", storeDriverStr, "Chat store backend: memory, sqlite or postgres (env "+envVarStoreDriver+")")
	fs.StringVar(&sqlitePath, "sqlite-path", sqlitePath, "SQLite database file (env "+envVarSQLitePath+")")
	fs.StringVar(&databaseURL, "database-url", databaseURL, "Postgres connection string (env "+envVarDatabaseURL+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for the presence mirror (optional; env "+envVarRedisURL+")")
	fs.DurationVar(&presenceTTL, "presence-ttl", presenceTTL, "TTL of mirrored presence keys (env "+envVarPresenceTTL+")")

	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Signaling WS auth timeout (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxAPIRequestsPerSecond, "max-api-requests-per-second", maxAPIRequestsPerSecond, "Per-user REST request budget (0 = unlimited; env "+envVarMaxAPIRequestsPerSecond+")")
	fs.IntVar(&maxAPIRateLimitKeys, "max-api-rate-limit-keys", maxAPIRateLimitKeys, "Max per-user REST limiter buckets kept in memory (env "+envVarMaxAPIRateLimitKeys+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	storeDriver, err := parseStoreDriver(storeDriverStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if jwtTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--jwt-ttl must be > 0", envVarJWTTTL)
	}
	if storeDriver == StoreDriverSQLite && strings.TrimSpace(sqlitePath) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarSQLitePath, envVarStoreDriver, StoreDriverSQLite)
	}
	if storeDriver == StoreDriverPostgres && strings.TrimSpace(databaseURL) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarDatabaseURL, envVarStoreDriver, StoreDriverPostgres)
	}
	if presenceTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--presence-ttl must be > 0", envVarPresenceTTL)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if maxAPIRequestsPerSecond > 0 && maxAPIRateLimitKeys <= 0 {
		return Config{}, fmt.Errorf("%s/--max-api-rate-limit-keys must be > 0", envVarMaxAPIRateLimitKeys)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,
		JWTIssuer: jwtIssuer,
		JWTTTL:    jwtTTL,

		StoreDriver: storeDriver,
		SQLitePath:  sqlitePath,
		DatabaseURL: databaseURL,
		RedisURL:    strings.TrimSpace(redisURL),
		PresenceTTL: presenceTTL,

		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		MaxAPIRequestsPerSecond: maxAPIRequestsPerSecond,
		MaxAPIRateLimitKeys:     maxAPIRateLimitKeys,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseStoreDriver(raw string) (StoreDriver, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreDriverMemory):
		return StoreDriverMemory, nil
	case string(StoreDriverSQLite), "sqlite3":
		return StoreDriverSQLite, nil
	case string(StoreDriverPostgres), "postgresql", "pg":
		return StoreDriverPostgres, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarStoreDriver, raw, StoreDriverMemory, StoreDriverSQLite, StoreDriverPostgres)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
