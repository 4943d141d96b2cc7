package otel

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/registry-scanner/pkg/common/logger"
)

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Equal(t, "00000000000000000000000000000000", GetTraceID(context.Background()))
}

func TestInitTelemetry_WithoutExporter(t *testing.T) {
	tp, cleanup, err := InitTelemetry(logger.Noop(), Config{
		ServiceName:        "scanner-test",
		Probability:        1,
		ResourceAttributes: map[string]string{"library.language": "go"},
	})
	require.NoError(t, err)
	defer cleanup(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestGetTraceID_NoopSpan(t *testing.T) {
	ctx, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "op")
	defer span.End()

	assert.Equal(t, "00000000000000000000000000000000", GetTraceID(ctx))
}

func TestGetSpanID(t *testing.T) {
	assert.Equal(t, "0000000000000000", GetSpanID(context.Background()))

	tp, cleanup, err := InitTelemetry(logger.Noop(), Config{ServiceName: "scanner-test", Probability: 1})
	require.NoError(t, err)
	defer cleanup(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.Equal(t, span.SpanContext().SpanID().String(), GetSpanID(ctx))
}

func TestInitTelemetry_InstrumentsReachPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, cleanup, err := InitTelemetry(logger.Noop(), Config{
		ServiceName:          "scanner-test",
		Probability:          1,
		PrometheusRegisterer: reg,
	})
	require.NoError(t, err)
	defer cleanup(context.Background())

	counter, err := GetMeterProvider().Meter("scanner_test").Int64Counter("jobs_processed_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "jobs_processed") {
			found = true
			require.NotEmpty(t, f.GetMetric())
			assert.Equal(t, float64(3), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "counter not exported to the prometheus registry")
}
