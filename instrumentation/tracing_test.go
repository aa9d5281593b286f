package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestSpan(t *testing.T) trace.Span {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	_, span := tracer.Start(context.Background(), "test-span")
	return span
}

func TestRecordError(t *testing.T) {
	span := newTestSpan(t)

	RecordError(span, errors.New("boom"))

	// Nil-safe paths must not panic
	RecordError(nil, errors.New("boom"))
	RecordError(span, nil)
	RecordError(nil, nil)
}

func TestSpanStatusHelpers(t *testing.T) {
	span := newTestSpan(t)

	SetSpanSuccess(span)
	SetSpanError(span, "failed")
	SetSpanAttributes(span, attribute.String("key", "value"))

	SetSpanSuccess(nil)
	SetSpanError(nil, "failed")
	SetSpanAttributes(nil, attribute.String("key", "value"))
}

func TestAddOAuthFlowAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddOAuthFlowAttributes(span, "mcp_client_abc", "read write")
	AddOAuthFlowAttributes(span, "", "")
	AddOAuthFlowAttributes(nil, "mcp_client_abc", "read")
}

func TestAddStorageAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddStorageAttributes(span, "save_client", "memory")
	AddStorageAttributes(nil, "save_client", "valkey")
}

func TestAddHTTPAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddHTTPAttributes(span, "POST", "/oauth/token", 200)
	AddHTTPAttributes(nil, "GET", "/oauth/validate", 403)
}

func TestAddSecurityAttributes(t *testing.T) {
	span := newTestSpan(t)

	AddSecurityAttributes(span, "192.168.1.1")
	AddSecurityAttributes(span, "")
	AddSecurityAttributes(nil, "192.168.1.1")
}
