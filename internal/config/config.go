// Package config loads the relay's runtime configuration from environment
// variables with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/advocateshub/session-relay/internal/origin"
)

const (
	envVarListenAddr      = "SESSION_RELAY_LISTEN_ADDR"
	envVarDBPath          = "SESSION_RELAY_DB_PATH"
	envVarMode            = "SESSION_RELAY_MODE"
	envVarLogFormat       = "SESSION_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SESSION_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SESSION_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Connection auth + token issuance.
	envVarAuthMode    = "AUTH_MODE"
	envVarJWTSecret   = "JWT_SECRET"
	envVarTokenTTL    = "TOKEN_TTL"
	envVarTokenIssuer = "TOKEN_ISSUER"

	// Realtime session knobs.
	envVarHistoryReplayLimit            = "HISTORY_REPLAY_LIMIT"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarWSPingInterval                = "WS_PING_INTERVAL"
	envVarWSIdleTimeout                 = "WS_IDLE_TIMEOUT"
	envVarSendQueueSize                 = "SEND_QUEUE_SIZE"
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
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultDBPath          = "session_relay.db"
	DefaultShutdown        = 15 * time.Second
	DefaultMode            = ModeDev
	DefaultTokenTTL        = time.Hour
	DefaultTokenIssuer     = "session-relay"
	DefaultAuthMode        = AuthModeNone
	DefaultWSPingInterval  = 30 * time.Second
	DefaultWSIdleTimeout   = 60 * time.Second
	DefaultSendQueueSize   = 64
	DefaultHistoryReplay   = 100
	DefaultMaxFrameBytes   = int64(64 * 1024)
	DefaultMaxFramesPerSec = 50
)

type Config struct {
	ListenAddr string
	DBPath     string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// AllowedOrigins entries are normalized origins or "*"; empty means
	// same-host only.
	AllowedOrigins []string

	AuthMode    AuthMode
	JWTSecret   string
	TokenTTL    time.Duration
	TokenIssuer string

	// HistoryReplayLimit caps the chat backlog sent on join and via the REST
	// history endpoint.
	HistoryReplayLimit int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	WSPingInterval time.Duration
	WSIdleTimeout  time.Duration

	// SendQueueSize is the per-connection outbound frame buffer. A connection
	// that falls this far behind is closed rather than allowed to stall
	// broadcasts.
	SendQueueSize int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if strings.TrimSpace(envMode) != "" {
		modeDefault = envMode
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	dbPath := envOrDefault(lookup, envVarDBPath, DefaultDBPath)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeDefault := envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	tokenIssuer := envOrDefault(lookup, envVarTokenIssuer, DefaultTokenIssuer)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	tokenTTL, err := envDurationOrDefault(lookup, envVarTokenTTL, DefaultTokenTTL)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	historyReplayLimit, err := envIntOrDefault(lookup, envVarHistoryReplayLimit, DefaultHistoryReplay)
	if err != nil {
		return Config{}, err
	}
	maxFramesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxFramesPerSec)
	if err != nil {
		return Config{}, err
	}
	sendQueueSize, err := envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}

	maxFrameBytes := DefaultMaxFrameBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxFrameBytes = n
	}

	fs := flag.NewFlagSet("session-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&dbPath, "db-path", dbPath, "SQLite database path (env "+envVarDBPath+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Connection auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 signing secret for connection and session tokens (env "+envVarJWTSecret+")")
	fs.DurationVar(&tokenTTL, "token-ttl", tokenTTL, "Lifetime of minted session tokens (env "+envVarTokenTTL+")")
	fs.StringVar(&tokenIssuer, "token-issuer", tokenIssuer, "Issuer claim for minted session tokens (env "+envVarTokenIssuer+")")
	fs.IntVar(&historyReplayLimit, "history-replay-limit", historyReplayLimit, "Max chat messages replayed on join and returned by the history endpoint (env "+envVarHistoryReplayLimit+")")
	fs.Int64Var(&maxFrameBytes, "max-signaling-message-bytes", maxFrameBytes, "Max inbound signaling frame size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxFramesPerSecond, "max-signaling-messages-per-second", maxFramesPerSecond, "Max inbound signaling frames per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on session WebSocket connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle session WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.IntVar(&sendQueueSize, "send-queue-size", sendQueueSize, "Per-connection outbound frame buffer size (env "+envVarSendQueueSize+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:                    listenAddr,
		DBPath:                        dbPath,
		Mode:                          mode,
		LogFormat:                     logFormat,
		LogLevel:                      logLevel,
		ShutdownTimeout:               shutdownTimeout,
		AllowedOrigins:                allowedOrigins,
		AuthMode:                      authMode,
		JWTSecret:                     jwtSecret,
		TokenTTL:                      tokenTTL,
		TokenIssuer:                   tokenIssuer,
		HistoryReplayLimit:            historyReplayLimit,
		MaxSignalingMessageBytes:      maxFrameBytes,
		MaxSignalingMessagesPerSecond: maxFramesPerSecond,
		WSPingInterval:                wsPingInterval,
		WSIdleTimeout:                 wsIdleTimeout,
		SendQueueSize:                 sendQueueSize,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.AuthMode == AuthModeJWT && c.JWTSecret == "" {
		return fmt.Errorf("%s=jwt requires %s", envVarAuthMode, envVarJWTSecret)
	}
	if c.HistoryReplayLimit < 0 {
		return fmt.Errorf("%s must be >= 0", envVarHistoryReplayLimit)
	}
	if c.WSPingInterval > 0 && c.WSIdleTimeout > 0 && c.WSPingInterval >= c.WSIdleTimeout {
		return fmt.Errorf("%s must be less than %s", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%s must be > 0", envVarSendQueueSize)
	}
	return nil
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

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development", "":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (expected text or json)", raw)
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
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone), "":
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q (expected none or jwt)", raw)
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

		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}

		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}

	return out, nil
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
