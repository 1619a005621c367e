// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config selects the log level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Output io.Writer
}

// New creates a logger. Console output uses tint; anything else is JSON.
func New(cfg Config) *slog.Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stdout
	}
	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "console", "":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
