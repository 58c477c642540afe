package instrumentation

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope for every span this module emits.
const TracerName = "github.com/tonimelisma/graphdrive"

// Span attribute keys.
const (
	SpanAttrRequestMethod = "http.request.method"
	SpanAttrStatusCode    = "http.response.status_code"
	SpanAttrRequestID     = "graph.client_request_id"
	SpanAttrBytes         = "graph.upload.bytes"
	SpanAttrRange         = "graph.upload.range"
)

// Tracer returns the tracer from the globally registered provider. Until a
// Provider is installed this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// RecordSpanError marks span as failed with err.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RequestAttributes builds the standard attributes for one Graph request.
func RequestAttributes(method, requestID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SpanAttrRequestMethod, method),
		attribute.String(SpanAttrRequestID, requestID),
	}
}
