package controller

import (
	"context"

	"github.com/google/uuid"
)

type correlationIDKeyType struct{}

var correlationIDKey = correlationIDKeyType{}

// WithCorrelationID attaches a request correlation ID to ctx, generating
// one if the caller didn't already supply one, so every log line emitted
// while handling one push or reconciliation pass can be grepped together.
func WithCorrelationID(ctx context.Context) context.Context {
	if _, ok := ctx.Value(correlationIDKey).(string); ok {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey, uuid.NewString())
}

// CorrelationID returns the correlation ID attached to ctx, or "-" if
// WithCorrelationID was never called on it or an ancestor.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return "-"
}
