package rules

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	syncOutcomeInstalled     = "installed"
	syncOutcomeUnchanged     = "unchanged"
	syncOutcomeFetchFailed   = "fetch_failed"
	syncOutcomeCompileFailed = "compile_failed"
)

// SyncMetrics defines metrics operations needed by the synchronizer.
type SyncMetrics interface {
	IncSync(ctx context.Context, outcome string)
	ObserveCompileDuration(ctx context.Context, d time.Duration)
	SetRuleCount(ctx context.Context, count int)
}

type syncMetrics struct {
	syncs           metric.Int64Counter
	compileDuration metric.Float64Histogram
	ruleCount       metric.Int64Gauge
}

const namespace = "rules_synchronizer"

// NewSyncMetrics creates SyncMetrics backed by mp.
func NewSyncMetrics(mp metric.MeterProvider) (SyncMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(syncMetrics)
	var err error

	if m.syncs, err = meter.Int64Counter(
		"rule_syncs_total",
		metric.WithDescription("Rule sync attempts by outcome"),
	); err != nil {
		return nil, err
	}

	if m.compileDuration, err = meter.Float64Histogram(
		"rule_compile_duration_seconds",
		metric.WithDescription("Time spent compiling a rule bundle"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ruleCount, err = meter.Int64Gauge(
		"installed_rules",
		metric.WithDescription("Number of rules in the installed bundle"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *syncMetrics) IncSync(ctx context.Context, outcome string) {
	m.syncs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *syncMetrics) ObserveCompileDuration(ctx context.Context, d time.Duration) {
	m.compileDuration.Record(ctx, d.Seconds())
}

func (m *syncMetrics) SetRuleCount(ctx context.Context, count int) {
	m.ruleCount.Record(ctx, int64(count))
}

// NoopSyncMetrics discards every observation.
type NoopSyncMetrics struct{}

func (NoopSyncMetrics) IncSync(context.Context, string) {}
func (NoopSyncMetrics) ObserveCompileDuration(context.Context, time.Duration) {}
func (NoopSyncMetrics) SetRuleCount(context.Context, int) {}
