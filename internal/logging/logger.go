package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/l0p7/pictura/internal/config"
)

// New builds the process logger from the logging section of the server
// config and writes to stdout.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return NewWriter(cfg, os.Stdout)
}

// NewWriter is New with an explicit destination.
func NewWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: shortDurations}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", cfg.Format)
	}

	logger := slog.New(handler).With(slog.String("component", "pictura"))
	if cfg.CorrelationHeader != "" {
		logger = logger.With(slog.String("correlation_header", cfg.CorrelationHeader))
	}
	return logger, nil
}

func parseLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("logging: unsupported level %q", raw)
	}
	return level, nil
}

// shortDurations renders durations as strings like "12.5ms" instead of
// nanosecond integers.
func shortDurations(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().String())
	}
	return a
}
