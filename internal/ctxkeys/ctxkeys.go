// Package ctxkeys carries request-scoped identifiers through a context.Context
// so gateway middleware and handlers can attach them to log lines and spans
// without threading extra parameters through every call.
package ctxkeys

import "context"

type contextKey string

const (
	traceIDKey  contextKey = "trace_id"
	tenantIDKey contextKey = "tenant_id"
	requestIDKey contextKey = "request_id"
)

// WithTraceID attaches a trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace id, if any.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTenantID attaches the authenticated caller's tenant id.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID returns the tenant id, if any.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithRequestID attaches the inbound request id (from header or generated).
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request id, if any.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
