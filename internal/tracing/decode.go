package tracing

import (
	"encoding/json"

	"go.opentelemetry.io/otel/trace"
)

// Unmarshal decodes persisted trace data and reconstructs the opentelemetry
// SpanContext.
func Unmarshal(data []byte) (trace.SpanContext, error) {
	var td traceData
	err := json.Unmarshal(data, &td)
	if err != nil {
		return trace.SpanContext{}, err
	}

	traceID, err := trace.TraceIDFromHex(td.TraceID)
	if err != nil {
		return trace.SpanContext{}, err
	}

	spanID, err := trace.SpanIDFromHex(td.SpanID)
	if err != nil {
		return trace.SpanContext{}, err
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}), nil
}
