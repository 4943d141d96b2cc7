package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerMetrics defines metrics operations needed by the worker loop.
type WorkerMetrics interface {
	IncPolls(ctx context.Context, outcome string)
	IncJobsProcessed(ctx context.Context)
	ObserveJobDuration(ctx context.Context, d time.Duration)
	IncDistributions(ctx context.Context, outcome string)
	IncEntriesScanned(ctx context.Context)
	IncEntriesSkipped(ctx context.Context)
	IncEntriesFailed(ctx context.Context)
	ObserveScore(ctx context.Context, score int)
	IncDegradedSyncs(ctx context.Context)
	IncSubmitErrors(ctx context.Context)
}

type workerMetrics struct {
	polls          metric.Int64Counter
	jobsProcessed  metric.Int64Counter
	jobDuration    metric.Float64Histogram
	distributions  metric.Int64Counter
	entriesScanned metric.Int64Counter
	entriesSkipped metric.Int64Counter
	entriesFailed  metric.Int64Counter
	scores         metric.Int64Histogram
	degradedSyncs  metric.Int64Counter
	submitErrors   metric.Int64Counter
}

const namespace = "scanner_worker"

// NewWorkerMetrics creates WorkerMetrics backed by mp.
func NewWorkerMetrics(mp metric.MeterProvider) (WorkerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.polls, err = meter.Int64Counter(
		"polls_total",
		metric.WithDescription("Coordinator job polls by outcome"),
	); err != nil {
		return nil, err
	}

	if m.jobsProcessed, err = meter.Int64Counter(
		"jobs_processed_total",
		metric.WithDescription("Jobs taken from the coordinator and submitted"),
	); err != nil {
		return nil, err
	}

	if m.jobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from job receipt to submission"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.distributions, err = meter.Int64Counter(
		"distributions_total",
		metric.WithDescription("Distributions processed by outcome"),
	); err != nil {
		return nil, err
	}

	if m.entriesScanned, err = meter.Int64Counter(
		"entries_scanned_total",
		metric.WithDescription("Archive entries scanned"),
	); err != nil {
		return nil, err
	}

	if m.entriesSkipped, err = meter.Int64Counter(
		"entries_skipped_total",
		metric.WithDescription("Archive entries skipped by the entry filter"),
	); err != nil {
		return nil, err
	}

	if m.entriesFailed, err = meter.Int64Counter(
		"entries_failed_total",
		metric.WithDescription("Archive entries that could not be read or scanned"),
	); err != nil {
		return nil, err
	}

	if m.scores, err = meter.Int64Histogram(
		"package_score",
		metric.WithDescription("Score submitted per scanned package"),
	); err != nil {
		return nil, err
	}

	if m.degradedSyncs, err = meter.Int64Counter(
		"degraded_rule_syncs_total",
		metric.WithDescription("Jobs scanned after a failed rule sync"),
	); err != nil {
		return nil, err
	}

	if m.submitErrors, err = meter.Int64Counter(
		"submit_errors_total",
		metric.WithDescription("Results that could not be submitted after retries"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncPolls(ctx context.Context, outcome string) {
	m.polls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *workerMetrics) IncJobsProcessed(ctx context.Context) { m.jobsProcessed.Add(ctx, 1) }

func (m *workerMetrics) ObserveJobDuration(ctx context.Context, d time.Duration) {
	m.jobDuration.Record(ctx, d.Seconds())
}

func (m *workerMetrics) IncDistributions(ctx context.Context, outcome string) {
	m.distributions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *workerMetrics) IncEntriesScanned(ctx context.Context) { m.entriesScanned.Add(ctx, 1) }
func (m *workerMetrics) IncEntriesSkipped(ctx context.Context) { m.entriesSkipped.Add(ctx, 1) }
func (m *workerMetrics) IncEntriesFailed(ctx context.Context) { m.entriesFailed.Add(ctx, 1) }

func (m *workerMetrics) ObserveScore(ctx context.Context, score int) {
	m.scores.Record(ctx, int64(score))
}

func (m *workerMetrics) IncDegradedSyncs(ctx context.Context) { m.degradedSyncs.Add(ctx, 1) }
func (m *workerMetrics) IncSubmitErrors(ctx context.Context) { m.submitErrors.Add(ctx, 1) }

// NoopWorkerMetrics discards every observation.
type NoopWorkerMetrics struct{}

func (NoopWorkerMetrics) IncPolls(context.Context, string) {}
func (NoopWorkerMetrics) IncJobsProcessed(context.Context) {}
func (NoopWorkerMetrics) ObserveJobDuration(context.Context, time.Duration) {}
func (NoopWorkerMetrics) IncDistributions(context.Context, string) {}
func (NoopWorkerMetrics) IncEntriesScanned(context.Context) {}
func (NoopWorkerMetrics) IncEntriesSkipped(context.Context) {}
func (NoopWorkerMetrics) IncEntriesFailed(context.Context) {}
func (NoopWorkerMetrics) ObserveScore(context.Context, int) {}
func (NoopWorkerMetrics) IncDegradedSyncs(context.Context) {}
func (NoopWorkerMetrics) IncSubmitErrors(context.Context) {}
