// Package logger provides the application's slog-based logging setup.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the application logger
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// NewLogger creates a *slog.Logger configured from the environment.
// LOG_LEVEL controls verbosity (debug, info, warn, error; default info).
// GO_ENV=production switches to the JSON handler for log aggregation.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// parseLevel maps a LOG_LEVEL value to a slog.Level, defaulting to info
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Scope returns a "scope" attribute identifying the logging component.
// Scopes are dot-separated, e.g. "jobs.svc" or "worker.pool".
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns an "error" attribute for structured error logging
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
