package main

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(lookupMap(nil), nil, io.Discard)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelInfo {
		t.Errorf("log=%s/%s", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes || cfg.SendQueueSize != DefaultSendQueueSize {
		t.Errorf("limits=%d/%d", cfg.MaxMessageBytes, cfg.SendQueueSize)
	}
	if cfg.PingInterval >= cfg.PongWait {
		t.Errorf("ping %s not below pong %s", cfg.PingInterval, cfg.PongWait)
	}
	if cfg.AllowedOrigins != nil {
		t.Errorf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
}

func TestLoadConfig_EnvThenFlags(t *testing.T) {
	env := map[string]string{
		envVarListenAddr:        "127.0.0.1:9000",
		envVarLogFormat:         "json",
		envVarLogLevel:          "debug",
		envVarAllowedOrigins:    "https://a.example, https://b.example,",
		envVarShutdownTimeout:   "3s",
		envVarMessagesPerSecond: "5",
	}

	cfg, err := loadConfig(lookupMap(env), nil, io.Discard)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" || cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.ShutdownTimeout != 3*time.Second || cfg.MessagesPerSecond != 5 {
		t.Fatalf("env durations/ints: %+v", cfg)
	}

	cfg, err = loadConfig(lookupMap(env), []string{"--listen-addr", ":7000", "--log-format", "text", "--messages-per-second=0"}, io.Discard)
	if err != nil {
		t.Fatalf("loadConfig with flags: %v", err)
	}
	if cfg.ListenAddr != ":7000" || cfg.LogFormat != LogFormatText || cfg.MessagesPerSecond != 0 {
		t.Fatalf("flags did not win: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unflagged env value lost: %s", cfg.LogLevel)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{name: "log format", args: []string{"--log-format", "xml"}, want: "log format"},
		{name: "log level", env: map[string]string{envVarLogLevel: "loud"}, want: "log level"},
		{name: "env int", env: map[string]string{envVarSendQueueSize: "many"}, want: envVarSendQueueSize},
		{name: "env duration", env: map[string]string{envVarPongWait: "soon"}, want: envVarPongWait},
		{name: "ping after pong", args: []string{"--ping-interval", "2m"}, want: "shorter than pong wait"},
		{name: "queue", args: []string{"--send-queue-size", "0"}, want: "send queue size"},
		{name: "message size", args: []string{"--max-message-bytes=-1"}, want: "max message bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(lookupMap(tt.env), tt.args, io.Discard)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig_Help(t *testing.T) {
	_, err := loadConfig(lookupMap(nil), []string{"--help"}, io.Discard)
	if !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("err=%v, want ErrHelp", err)
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf strings.Builder
	logger := NewLogger(Config{LogFormat: LogFormatJSON, LogLevel: slog.LevelWarn}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info logged at warn level: %s", out)
	}
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("not JSON: %s", out)
	}
}
