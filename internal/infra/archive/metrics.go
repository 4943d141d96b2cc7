package archive

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/registry-scanner/internal/domain/scanning"
)

// FetcherMetrics defines metrics operations needed by the fetcher.
type FetcherMetrics interface {
	ObserveArtifactSize(ctx context.Context, format scanning.Format, sizeBytes int64)
	ObserveFetchDuration(ctx context.Context, format scanning.Format, d time.Duration)
	IncFetchError(ctx context.Context, reason string)
}

type fetcherMetrics struct {
	artifactSize  metric.Int64Histogram
	fetchDuration metric.Float64Histogram
	fetchErrors   metric.Int64Counter
}

const namespace = "archive_fetcher"

// NewFetcherMetrics creates FetcherMetrics backed by mp.
func NewFetcherMetrics(mp metric.MeterProvider) (FetcherMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(fetcherMetrics)
	var err error

	if m.artifactSize, err = meter.Int64Histogram(
		"artifact_size_bytes",
		metric.WithDescription("Bytes held in memory per fetched artifact"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.fetchDuration, err = meter.Float64Histogram(
		"artifact_fetch_duration_seconds",
		metric.WithDescription("Time spent downloading and decompressing an artifact"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.fetchErrors, err = meter.Int64Counter(
		"artifact_fetch_errors_total",
		metric.WithDescription("Artifact fetch failures by reason"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *fetcherMetrics) ObserveArtifactSize(ctx context.Context, format scanning.Format, sizeBytes int64) {
	m.artifactSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("format", string(format))))
}

func (m *fetcherMetrics) ObserveFetchDuration(ctx context.Context, format scanning.Format, d time.Duration) {
	m.fetchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("format", string(format))))
}

func (m *fetcherMetrics) IncFetchError(ctx context.Context, reason string) {
	m.fetchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
