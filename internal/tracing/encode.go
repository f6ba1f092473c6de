package tracing

import (
	"encoding/json"

	"go.opentelemetry.io/otel/trace"
)

// traceData is the persisted form of a span context.
type traceData struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// Marshal encodes the opentelemetry SpanContext for storage in the events
// table trace column.
func Marshal(span trace.SpanContext) ([]byte, error) {
	return json.Marshal(traceData{
		TraceID: span.TraceID().String(),
		SpanID:  span.SpanID().String(),
	})
}
