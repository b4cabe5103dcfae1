package core

import "context"

type contextKey int

const (
	requestIDKey contextKey = iota
	idempotencyKeyKey
)

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the request ID, or "" when none was set.
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithIdempotencyKey returns a new context carrying the delivery idempotency key.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyKey, key)
}

// GetIdempotencyKey returns the idempotency key, or "" when none was set.
func GetIdempotencyKey(ctx context.Context) string {
	return stringValue(ctx, idempotencyKeyKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
