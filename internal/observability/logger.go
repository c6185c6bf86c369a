// Package observability provides logging helpers for feedrelay.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/jmylchreest/feedrelay/internal/config"
)

// LevelTrace is below debug and used for per-unit transport detail.
const LevelTrace = slog.Level(-8)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"
	// loggerKey is the context key for the logger.
	loggerKey contextKey = "logger"
)

// NewLogger creates a new slog.Logger based on the provided configuration.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a new slog.Logger that writes to the provided writer.
// The journal format ignores w and falls back to text when no journal is
// reachable.
func NewLoggerWithWriter(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := parseLevel(cfg.Level)
	replace := replaceAttr(cfg)

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: replace,
	}

	var handler slog.Handler
	switch resolveFormat(cfg.Format, w) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	case "journal":
		handler = NewJournalHandler(level, replace)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// resolveFormat maps auto and journal to a concrete format for w.
func resolveFormat(format string, w io.Writer) string {
	switch format {
	case "auto":
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return "text"
		}
		return "json"
	case "journal":
		if !JournalAvailable() {
			return "text"
		}
		return "journal"
	case "text":
		return "text"
	default:
		return "json"
	}
}

// replaceAttr names the trace level, applies the time format and redacts
// secrets.
func replaceAttr(cfg config.LoggingConfig) func([]string, slog.Attr) slog.Attr {
	redact := newRedactor()
	return func(groups []string, a slog.Attr) slog.Attr {
		switch {
		case a.Key == slog.LevelKey && len(groups) == 0:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
			return a
		case a.Key == slog.TimeKey && len(groups) == 0:
			if cfg.TimeFormat != "" {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(cfg.TimeFormat))
				}
			}
			return a
		}
		return redact(groups, a)
	}
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID adds a request ID to the logger.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With(slog.String("request_id", requestID))
}

// WithComponent adds a component name to the logger for identifying the source.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithFeed adds a feed id to the logger.
func WithFeed(logger *slog.Logger, feedID string) *slog.Logger {
	return logger.With(slog.String("feed_id", feedID))
}

// WithError adds an error to the logger attributes.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// LoggerFromContext extracts a logger from the context.
// If no logger is found, returns the default logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// ContextWithLogger adds a logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// RequestIDFromContext extracts a request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// SetDefault sets the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedOperationWithError logs the start and end of an operation. The error
// pointer is read when the returned function runs.
//
// Usage:
//
//	var err error
//	done := observability.TimedOperationWithError(ctx, logger, "snapshot", &err)
//	defer done()
//	err = doSomething()
//
//nolint:gocritic // errPtr must be a pointer to capture errors set after this call
func TimedOperationWithError(ctx context.Context, logger *slog.Logger, operation string, errPtr *error) func() {
	start := time.Now()
	logger.DebugContext(ctx, "operation started", slog.String("operation", operation))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "operation failed",
				slog.String("operation", operation),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.DebugContext(ctx, "operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
		)
	}
}
