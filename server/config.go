package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	envVarListenAddr        = "ROOM_CALL_LISTEN_ADDR"
	envVarLogFormat         = "ROOM_CALL_LOG_FORMAT"
	envVarLogLevel          = "ROOM_CALL_LOG_LEVEL"
	envVarAllowedOrigins    = "ROOM_CALL_ALLOWED_ORIGINS"
	envVarShutdownTimeout   = "ROOM_CALL_SHUTDOWN_TIMEOUT"
	envVarMaxMessageBytes   = "ROOM_CALL_MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond = "ROOM_CALL_MESSAGES_PER_SECOND"
	envVarSendQueueSize     = "ROOM_CALL_SEND_QUEUE_SIZE"
	envVarPingInterval      = "ROOM_CALL_PING_INTERVAL"
	envVarPongWait          = "ROOM_CALL_PONG_WAIT"

	DefaultListenAddr        = ":8080"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultMaxMessageBytes   = int64(256 * 1024) // SDP with many candidates fits comfortably
	DefaultMessagesPerSecond = 50
	DefaultSendQueueSize     = 64
	DefaultPongWait          = 60 * time.Second
	DefaultPingInterval      = (DefaultPongWait * 9) / 10
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config holds the relay server settings.
type Config struct {
	ListenAddr string
	LogFormat  LogFormat
	LogLevel   slog.Level

	// AllowedOrigins lists browser origins accepted on /ws. Empty allows any
	// origin.
	AllowedOrigins []string

	ShutdownTimeout time.Duration

	MaxMessageBytes   int64
	MessagesPerSecond int
	SendQueueSize     int
	PingInterval      time.Duration
	PongWait          time.Duration
}

// LoadConfig reads settings from args, falling back to the environment and
// then to defaults.
func LoadConfig(args []string) (Config, error) {
	return loadConfig(os.LookupEnv, args, os.Stderr)
}

func loadConfig(lookup func(string) (string, bool), args []string, output io.Writer) (Config, error) {
	cfg := Config{}

	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevel := envOrDefault(lookup, envVarLogLevel, "info")
	allowedOrigins := envOrDefault(lookup, envVarAllowedOrigins, "")

	var err error
	if cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval); err != nil {
		return Config{}, err
	}
	if cfg.PongWait, err = envDurationOrDefault(lookup, envVarPongWait, DefaultPongWait); err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	if cfg.MessagesPerSecond, err = envIntOrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.SendQueueSize, err = envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize); err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("room-call-server", pflag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "HTTP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&logFormat, "log-format", logFormat, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevel, "log-level", logLevel, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated browser origins allowed on /ws (env "+envVarAllowedOrigins+")")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Largest accepted signaling message (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&cfg.MessagesPerSecond, "messages-per-second", cfg.MessagesPerSecond, "Inbound messages per second per connection, 0 = unlimited (env "+envVarMessagesPerSecond+")")
	fs.IntVar(&cfg.SendQueueSize, "send-queue-size", cfg.SendQueueSize, "Outbound messages buffered per connection (env "+envVarSendQueueSize+")")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "WebSocket ping period (env "+envVarPingInterval+")")
	fs.DurationVar(&cfg.PongWait, "pong-wait", cfg.PongWait, "Time allowed for a pong before the connection is dropped (env "+envVarPongWait+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	switch LogFormat(strings.ToLower(strings.TrimSpace(logFormat))) {
	case LogFormatText:
		cfg.LogFormat = LogFormatText
	case LogFormatJSON:
		cfg.LogFormat = LogFormatJSON
	default:
		return Config{}, fmt.Errorf("invalid log format %q (expected text or json)", logFormat)
	}
	if cfg.LogLevel, err = parseLogLevel(logLevel); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = splitList(allowedOrigins)
	cfg.MaxMessageBytes = int64(maxMessageBytes)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("messages per second must not be negative, got %d", c.MessagesPerSecond)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive, got %d", c.SendQueueSize)
	}
	if c.PongWait <= 0 || c.PingInterval <= 0 {
		return fmt.Errorf("ping interval and pong wait must be positive")
	}
	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("ping interval %s must be shorter than pong wait %s", c.PingInterval, c.PongWait)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
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

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
