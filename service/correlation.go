package service

import (
	"context"
	"log/slog"
)

type correlationKey struct{}

// WithCorrelation returns a context carrying the correlation ID. Every
// outbound call and log line for a batch carries the same ID.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID extracts the correlation ID, empty when absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}

// LoggerWith returns the logger annotated with the context's correlation
// ID, unchanged when the context has none.
func LoggerWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := CorrelationID(ctx); id != "" {
		return logger.With("correlation_id", id)
	}
	return logger
}
