// Package logger provides structured logging using slog with consensus context support.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "request_id"
	// ClusterIDKey is the context key for the cluster a call operates on.
	ClusterIDKey contextKey = "cluster_id"
	// ValidatorIDKey is the context key for the validator a call originates from.
	ValidatorIDKey contextKey = "validator_id"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger writing to stdout with the specified level and format.
func New(level slog.Level, json bool) *Logger {
	return NewWithWriter(os.Stdout, level, json)
}

// NewWithWriter creates a new Logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, json bool) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a textual level to slog.Level. Unknown values map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// FromContext returns l annotated with the request, cluster and validator IDs
// carried by ctx.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		l = l.With("request_id", id)
	}
	if id := ClusterIDFromContext(ctx); id != "" {
		l = l.With("cluster_id", id)
	}
	if id := ValidatorIDFromContext(ctx); id != "" {
		l = l.With("validator_id", id)
	}
	return l
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ContextWithClusterID adds a cluster ID to the context.
func ContextWithClusterID(ctx context.Context, clusterID string) context.Context {
	return context.WithValue(ctx, ClusterIDKey, clusterID)
}

// ContextWithValidatorID adds a validator ID to the context.
func ContextWithValidatorID(ctx context.Context, validatorID string) context.Context {
	return context.WithValue(ctx, ValidatorIDKey, validatorID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// ClusterIDFromContext extracts the cluster ID from context.
func ClusterIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ClusterIDKey).(string); ok {
		return id
	}
	return ""
}

// ValidatorIDFromContext extracts the validator ID from context.
func ValidatorIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ValidatorIDKey).(string); ok {
		return id
	}
	return ""
}
