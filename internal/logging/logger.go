// Package logging provides structured logging for go-exec-source.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger on stderr.
// Format should be "json" or "text"; anything else means JSON.
// Level should be "debug", "info", "warn", or "error"; verbose forces debug.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	return NewLoggerWithWriter(os.Stderr, format, level, verbose)
}

// NewLoggerWithWriter creates a logger that writes to w. Used when the
// terminal belongs to the dashboard, and in tests.
func NewLoggerWithWriter(w io.Writer, format, level string, verbose bool) *slog.Logger {
	logLevel := parseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
		// Add source location for debug level
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string level to slog.Level.
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

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
