package dedupix

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with dedupix-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithZone adds a zone field to the logger.
func (l *Logger) WithZone(zone int) *Logger {
	return &Logger{
		Logger: l.Logger.With("zone", zone),
	}
}

// LogSave logs a completed or failed index save.
func (l *Logger) LogSave(ctx context.Context, zones int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index save failed",
			"zones", zones,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index save completed",
			"zones", zones,
		)
	}
}

// LogRestore logs a completed or failed index restore.
func (l *Logger) LogRestore(ctx context.Context, zones int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index restore failed",
			"zones", zones,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index restore completed",
			"zones", zones,
		)
	}
}
