// Package log builds the process-wide structured logger. The daemon logs
// JSON to stderr; interactive commands use the text handler.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds logger construction options.
type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the daemon defaults: info-level JSON on stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

// FromEnv derives a Config from TRACECAST_DEBUG, LOG_LEVEL and LOG_FORMAT.
func FromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("TRACECAST_DEBUG"); v == "1" || v == "true" {
		cfg.Level = "debug"
		cfg.AddSource = true
	} else if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	return cfg
}

// New creates a logger from cfg; nil means DefaultConfig.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// WithComponent tags every record with the subsystem that produced it.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

func parseLevel(level string) slog.Level {
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
