package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const (
	emptyTraceID = "00000000000000000000000000000000"
	emptySpanID  = "0000000000000000"
)

// GetTraceID returns the trace id of the span carried by ctx, or an all-zero
// id when ctx carries no valid span. Log lines always get a trace_id field so
// they can be filtered uniformly.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return emptyTraceID
	}
	return sc.TraceID().String()
}

// GetSpanID returns the span id carried by ctx, or an all-zero id.
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return emptySpanID
	}
	return sc.SpanID().String()
}
