package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "room-call-peer",
	Short: "Headless participant for room calls",
	Long: `room-call-peer joins a room on a room call relay and takes part in a
two-party call without a browser. Camera and screen video come from IVF
files, the microphone is a synthetic tone, and received audio is logged as
level readings.`,
}

// Execute runs the root command. It is called once by main.
func Execute() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
	}
	initLogging(os.Getenv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("room-call-peer failed", "err", err)
		stop()
		os.Exit(1)
	}
}

// initLogging installs the default logger. ROOM_CALL_LOG_LEVEL picks the
// level, ROOM_CALL_LOG_FORMAT=json switches to JSON output.
func initLogging(getenv func(string) string) {
	level := slog.LevelInfo
	switch getenv("ROOM_CALL_LOG_LEVEL") {
	case "trace":
		level = slog.LevelDebug - 4
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if getenv("ROOM_CALL_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
