// Package observability configures Karn's structured logger and hands out
// trace-scoped child loggers.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bdobrica/karn/common/trace"
)

// Setup installs the default slog logger. level is debug|info|warn|error,
// format is text|json; unknown values fall back to info and text.
func Setup(level, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level, format string) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a level name to a slog.Level.
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

// WithTrace returns a logger that carries the trace_id stored in ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	if id := trace.FromContext(ctx); id != "" {
		return slog.With("trace_id", id)
	}
	return slog.Default()
}
