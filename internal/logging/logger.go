// Package logging builds the ndjson logger shared by the server and
// worker processes, backed by log/slog.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/casket-project/casket/internal/config"
)

// New builds a *slog.Logger writing ndjson (or text, for local debugging)
// to stdout, at the configured level.
func New(cfg config.LoggingInfo) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithProcess tags a logger with the process role and pid, the way every
// log line in a multi-process fabric needs to identify its origin.
func WithProcess(logger *slog.Logger, role string) *slog.Logger {
	return logger.With("role", role, "pid", os.Getpid())
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
