// Package logging provides structured logging for the monitoring service
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	scanIDKey contextKey = "scan_id"
	loggerKey contextKey = "logger"
)

// New creates a new structured logger
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithScanID adds a scan run ID to the context
func WithScanID(ctx context.Context, scanID string) context.Context {
	return context.WithValue(ctx, scanIDKey, scanID)
}

// ScanID extracts the scan run ID from context
func ScanID(ctx context.Context) string {
	if id, ok := ctx.Value(scanIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with scan context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if scanID := ScanID(ctx); scanID != "" {
		return logger.With("scan_id", scanID)
	}
	return logger
}
