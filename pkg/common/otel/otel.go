// Package otel provides otel support.
package otel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/registry-scanner/pkg/common/logger"
)

const (
	exporterDialTimeout = 5 * time.Second
	metricPushInterval  = 30 * time.Second
)

// Config defines the information needed to init tracing.
type Config struct {
	ServiceName string
	// ExporterEndpoint is the OTLP gRPC collector address. Empty keeps all
	// telemetry in process.
	ExporterEndpoint string
	// Probability is the fraction of root traces sampled, clamped to [0, 1].
	Probability        float64
	ResourceAttributes map[string]string
	InsecureExporter   bool
	// PrometheusRegisterer, when set, receives every instrument of the meter
	// provider so a scrape endpoint serves them with or without an OTLP
	// collector.
	PrometheusRegisterer prometheus.Registerer
}

// InitTelemetry installs global tracer and meter providers plus the W3C
// propagators, and returns the tracer provider with a teardown func that
// flushes both providers. Without an exporter endpoint the providers still
// record, so span ids and instruments work, but nothing leaves the process.
func InitTelemetry(log *logger.Logger, cfg Config) (trace.TracerProvider, func(ctx context.Context), error) {
	res := newResource(cfg)

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clamp(cfg.Probability)))),
		sdktrace.WithResource(res),
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.PrometheusRegisterer != nil {
		scrape, err := otelprom.New(otelprom.WithRegisterer(cfg.PrometheusRegisterer))
		if err != nil {
			return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(scrape))
	}

	if cfg.ExporterEndpoint != "" {
		spans, metrics, err := newExporters(cfg)
		if err != nil {
			return nil, nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(5*time.Second)))
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(metricPushInterval)),
		))
		log.Info(context.Background(), "telemetry exporter configured", "endpoint", cfg.ExporterEndpoint)
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	teardown := func(ctx context.Context) {
		if err := errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx)); err != nil {
			log.Error(ctx, "telemetry teardown", "error", err)
		}
	}
	return tp, teardown, nil
}

func newExporters(cfg Config) (sdktrace.SpanExporter, sdkmetric.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint)}
	if cfg.InsecureExporter {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	return spans, metrics, nil
}

// newResource describes this process. Extra attributes are added in key
// order so the resource is stable across restarts.
func newResource(cfg Config) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	for _, k := range slices.Sorted(maps.Keys(cfg.ResourceAttributes)) {
		if v := cfg.ResourceAttributes[k]; v != "" {
			attrs = append(attrs, attribute.String(k, v))
		}
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func clamp(p float64) float64 { return min(max(p, 0), 1) }
