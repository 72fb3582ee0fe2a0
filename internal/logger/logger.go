// Package logger provides structured logging and context-aware logger injection.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// L is the process-wide logger; initialize with Init or use FromContext for unit-of-work loggers.
var (
	L      = slog.Default()
	logKey = ctxKey{}
)

// Attribute keys shared by every component that reports on an audited entity.
const (
	KeyScopeID  = "scope_id"
	KeyKind     = "kind"
	KeyEntityID = "entity_id"
	KeyRunID    = "run_id"
)

// Init initializes the global logger with the given level and format (e.g. "debug", "json").
func Init(level, format string) {
	L = New(os.Stdout, level, format)
	slog.SetDefault(L)
}

// New builds a logger writing to w without touching the global default.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// FromContext returns the logger from ctx, or the global logger if not set.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(logKey).(*slog.Logger); ok {
		return l
	}
	return L
}

// WithContext stores the logger in ctx and returns the new context.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, logKey, l)
}

// Scope tags l with the scope a unit of work belongs to.
func Scope(l *slog.Logger, scopeID string) *slog.Logger {
	return l.With(slog.String(KeyScopeID, scopeID))
}

// Entity returns the attributes identifying one audited row.
func Entity(kind, id string) slog.Attr {
	return slog.Group("entity", slog.String(KeyKind, kind), slog.String(KeyEntityID, id))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
