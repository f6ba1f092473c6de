// Package tracing propagates opentelemetry span contexts through the event
// store: the span context active on append is persisted next to the event
// and re-injected into the delivery context on the consuming side.
package tracing

import (
	"context"

	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
	"go.opentelemetry.io/otel/trace"
)

// Extract returns the span context of ctx and whether it is valid for
// persistence.
func Extract(ctx context.Context) (trace.SpanContext, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	valid := spanCtx.HasTraceID() && spanCtx.HasSpanID()
	return spanCtx, valid
}

// Inject is a best effort to load the encoded trace data into the context
// as a remote parent span. Invalid or empty data leaves ctx unchanged.
func Inject(ctx context.Context, data []byte) context.Context {
	if len(data) == 0 {
		return ctx
	}

	spanCtx, err := Unmarshal(data)
	if err != nil {
		return ctx
	}

	ctx = trace.ContextWithRemoteSpanContext(ctx, spanCtx)

	// Add trace id for logging.
	traceID := spanCtx.TraceID().String()
	ctx = log.ContextWith(ctx, j.KV("trace_id", traceID))
	return ctx
}
