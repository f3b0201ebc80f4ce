// Package trace provides correlation IDs that follow a request from the HTTP
// edge through the approval engine into audit rows and log lines.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"
)

type traceKey struct{}

// GenerateID returns a fresh correlation ID.
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("k_%d", time.Now().UnixNano())
	}
	return "k_" + hex.EncodeToString(b)
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext returns the correlation ID stored in ctx. When none was set
// explicitly but an OpenTelemetry span is active, the span's trace ID is used
// so that log lines and exported spans can be joined.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries a correlation ID,
// otherwise a child context with a freshly generated one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}
