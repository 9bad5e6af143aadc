package logger

import "context"

// contextKey is a private type to prevent collisions with other context keys.
type contextKey struct{}

// requestIDKey is the context key for the request ID.
var requestIDKey = contextKey{}

// WithRequestID returns a new context carrying the given request ID. The HTTP
// layer seeds it from chi's request ID middleware so that log lines emitted
// deep in the services, heartbeat ingest in particular, can be tied back to
// the API call that caused them.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context. Returns an empty string
// for contexts that did not originate from an HTTP request, such as sweep and
// evaluator ticks.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
