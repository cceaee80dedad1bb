package logger

import (
	"context"

	"github.com/sirupsen/logrus"
)

type correlationKey struct{}

// CorrelationIDField is the log field carrying the request correlation ID.
const CorrelationIDField = "correlation_id"

// SetCorrelationID returns a context carrying the correlation ID.
func SetCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID stored in ctx, if any.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID returns a log entry tagged with the context's correlation ID.
func WithCorrelationID(ctx context.Context, log *logrus.Logger) *logrus.Entry {
	entry := logrus.NewEntry(log)
	if id := CorrelationID(ctx); id != "" {
		entry = entry.WithField(CorrelationIDField, id)
	}
	return entry
}
