// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the log output encoding.
type Format string

const (
	// FormatJSON outputs logs as JSON objects, one per line.
	FormatJSON Format = "json"
	// FormatText outputs logs in slog's key=value text form.
	FormatText Format = "text"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". Default: "text".
	Format string

	// AddSource includes file:line in every record.
	AddSource bool

	// Writer is the output destination. Default: os.Stdout.
	Writer io.Writer
}

// New builds a logger from the config.
func New(cfg Config) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	switch Format(strings.ToLower(cfg.Format)) {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, opts)
	case FormatText, "":
		handler = slog.NewTextHandler(writer, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

// Setup builds a logger and installs it as slog's default.
func Setup(cfg Config) (*slog.Logger, error) {
	logger, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
