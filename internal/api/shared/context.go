package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// ContextKey is the type of keys stored in a request context.
type ContextKey string

// Context keys for various values
const (
	// RequesterIDContextKey is the context key for the authenticated requester id.
	RequesterIDContextKey ContextKey = "requesterID"

	// TraceIDKey is the key for the trace ID in the request context
	TraceIDKey ContextKey = "traceID"

	// TraceIDLength is the number of bytes used to generate the trace ID
	TraceIDLength = 16 // 32 hex characters
)

// WithRequesterID returns a copy of ctx carrying the requester id.
func WithRequesterID(ctx context.Context, requesterID string) context.Context {
	return context.WithValue(ctx, RequesterIDContextKey, requesterID)
}

// RequesterID returns the requester id stored by the auth middleware.
func RequesterID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(RequesterIDContextKey).(string)
	return id, ok && id != ""
}

// SetTraceID adds a trace ID to the context. An incoming id is reused so
// logs can be correlated with the caller; otherwise a random one is made.
func SetTraceID(ctx context.Context, incoming string) context.Context {
	traceID := incoming
	if traceID == "" || len(traceID) > 2*TraceIDLength {
		traceID = generateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from the context.
// If no trace ID exists, it returns an empty string.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}
