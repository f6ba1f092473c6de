package tracing_test

import (
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/brookhq/brook/internal/tracing"
)

func TestMarshal(t *testing.T) {
	t.Run("Ensure the trace data is marshalled correctly", func(t *testing.T) {
		setup()

		traceID, err := trace.TraceIDFromHex("00000000000000000000000000000009")
		jtest.RequireNil(t, err)

		spanID, err := trace.SpanIDFromHex("0000000000000002")
		jtest.RequireNil(t, err)

		traceState, err := trace.ParseTraceState("k2=v2,k1=v1")
		jtest.RequireNil(t, err)

		spanCtx := trace.NewSpanContext(
			trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     spanID,
				TraceState: traceState,
				Remote:     true,
			},
		)

		actual, err := tracing.Marshal(spanCtx)
		jtest.RequireNil(t, err)

		expected := `{"trace_id":"00000000000000000000000000000009","span_id":"0000000000000002"}`
		require.Equal(t, expected, string(actual))
	})
}
