// Package scanning runs the worker loop: take a job from the coordinator,
// scan each of its distributions against the installed rules and report a
// single verdict back.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apprules "github.com/ahrav/registry-scanner/internal/app/rules"
	"github.com/ahrav/registry-scanner/internal/domain/rules"
	"github.com/ahrav/registry-scanner/internal/domain/scanning"
	"github.com/ahrav/registry-scanner/pkg/common"
	"github.com/ahrav/registry-scanner/pkg/common/logger"
)

// RuleSyncer brings the installed rules up to date.
type RuleSyncer interface {
	Sync(ctx context.Context) error
}

// RuleSource exposes the installed rules.
type RuleSource interface {
	Current() apprules.Snapshot
}

// Config controls the worker loop.
type Config struct {
	// PollIntervalMin and PollIntervalMax bound the exponential wait between
	// polls while the coordinator has no work.
	PollIntervalMin time.Duration
	PollIntervalMax time.Duration
	// PollsPerSecond caps the poll rate regardless of backoff. Zero disables
	// the cap.
	PollsPerSecond float64
	// SubmitRetries is how many times a submission failing with a transport
	// error is retried.
	SubmitRetries       uint64
	SubmitRetryInterval time.Duration
	// InspectorBaseURL, when set, is used to build a link to the entry that
	// carried the highest-weight match.
	InspectorBaseURL string
	// MaxEntrySize caps the read buffer preallocated for one archive entry.
	MaxEntrySize int64
}

const (
	defaultPollIntervalMin     = time.Second
	defaultPollIntervalMax     = 30 * time.Second
	defaultSubmitRetryInterval = 500 * time.Millisecond
	defaultMaxEntrySize        = 250_000_000
)

// Worker processes one job at a time until its context is canceled.
type Worker struct {
	id string

	jobs    scanning.JobSource
	fetcher scanning.ArtifactFetcher
	syncer  RuleSyncer
	rules   RuleSource
	filter  *EntryFilter
	limiter *common.RateLimiter

	cfg   Config
	state atomic.Int32

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics WorkerMetrics
}

// NewWorker creates a Worker. A nil filter scans every entry.
func NewWorker(
	id string,
	jobs scanning.JobSource,
	fetcher scanning.ArtifactFetcher,
	syncer RuleSyncer,
	ruleSource RuleSource,
	filter *EntryFilter,
	cfg Config,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics WorkerMetrics,
) *Worker {
	if cfg.PollIntervalMin <= 0 {
		cfg.PollIntervalMin = defaultPollIntervalMin
	}
	if cfg.PollIntervalMax < cfg.PollIntervalMin {
		cfg.PollIntervalMax = max(defaultPollIntervalMax, cfg.PollIntervalMin)
	}
	if cfg.SubmitRetryInterval <= 0 {
		cfg.SubmitRetryInterval = defaultSubmitRetryInterval
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = defaultMaxEntrySize
	}

	return &Worker{
		id:      id,
		jobs:    jobs,
		fetcher: fetcher,
		syncer:  syncer,
		rules:   ruleSource,
		filter:  filter,
		limiter: common.NewRateLimiter(cfg.PollsPerSecond, 1),
		cfg:     cfg,
		logger:  log.With("component", "worker", "worker_id", id),
		tracer:  tracer,
		metrics: metrics,
	}
}

// State returns the phase the worker is currently in.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *Worker) setState(s WorkerState) { w.state.Store(int32(s)) }

// Run polls for jobs until ctx is canceled. A job already taken when ctx is
// canceled is still scanned and submitted before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info(ctx, "worker started")
	defer func() {
		w.setState(StateStopped)
		w.logger.Info(context.Background(), "worker stopped")
	}()

	idle := common.NewExponentialBackOff(common.RetryConfig{
		InitialInterval: w.cfg.PollIntervalMin,
		MaxInterval:     w.cfg.PollIntervalMax,
	})

	for {
		w.setState(StateIdle)
		if ctx.Err() != nil {
			return nil
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}

		w.setState(StatePolling)
		job, err := w.jobs.GetJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.metrics.IncPolls(ctx, "error")
			wait := idle.NextBackOff()
			w.logger.Warn(ctx, "polling for job failed", "error", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		if job == nil {
			w.metrics.IncPolls(ctx, "no_job")
			w.setState(StateIdle)
			if !sleep(ctx, idle.NextBackOff()) {
				return nil
			}
			continue
		}

		w.metrics.IncPolls(ctx, "job")
		idle.Reset()

		// The job is ours now: finish and submit it even during shutdown.
		if _, err := w.ProcessJob(context.WithoutCancel(ctx), *job); err != nil {
			w.logger.Error(ctx, "job result was not delivered",
				"package", job.Name, "version", job.Version, "error", err)
		}
	}
}

// ProcessJob scans job and submits exactly one verdict for it. The returned
// error only reports a submission that failed after retries; scan-side
// failures are folded into the verdict.
func (w *Worker) ProcessJob(ctx context.Context, job scanning.Job) (scanning.Result, error) {
	ctx, span := w.tracer.Start(ctx, "worker.process_job",
		trace.WithAttributes(
			attribute.String("package.name", job.Name),
			attribute.String("package.version", job.Version),
			attribute.String("package.hash", job.Hash),
			attribute.Int("distributions", len(job.Distributions)),
		),
	)
	defer span.End()

	start := time.Now()
	lc := logger.NewLoggerContext(w.logger.With(
		"package", job.Name,
		"version", job.Version,
		"job_hash", job.Hash,
	))
	lc.Info(ctx, "job received", "distributions", len(job.Distributions))

	result := w.scanJob(ctx, job, lc)
	if result.Score != nil {
		span.SetAttributes(attribute.Int("score", *result.Score))
		w.metrics.ObserveScore(ctx, *result.Score)
	}

	w.setState(StateSubmitting)
	err := w.submit(ctx, result, lc)
	w.metrics.IncJobsProcessed(ctx)
	w.metrics.ObserveJobDuration(ctx, time.Since(start))
	if err != nil {
		w.metrics.IncSubmitErrors(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return result, fmt.Errorf("submitting result for %s %s: %w", job.Name, job.Version, err)
	}

	lc.Info(ctx, "job complete",
		"rules_matched", len(result.RulesMatched),
		"scored", result.Score != nil,
		"duration", time.Since(start),
	)
	return result, nil
}

// scanJob produces the verdict for job. It never fails: whenever no entry
// was actually checked against installed rules the verdict is the unscanned
// result, and that includes a recovered panic.
func (w *Worker) scanJob(ctx context.Context, job scanning.Job, lc *logger.LoggerContext) (result scanning.Result) {
	defer func() {
		if r := recover(); r != nil {
			lc.Error(ctx, "scan panicked; submitting unscanned result", "panic", r)
			result = scanning.NewUnscannedResult(job)
		}
	}()

	w.setState(StateSyncingRules)
	if err := w.syncer.Sync(ctx); err != nil {
		w.metrics.IncDegradedSyncs(ctx)
		lc.Warn(ctx, "rule sync failed; scanning with installed rules", "error", err)
	}

	// One snapshot for the whole job, even if rules are replaced meanwhile.
	snap := w.rules.Current()
	if !snap.Installed() {
		lc.Warn(ctx, "no rules installed; submitting unscanned result")
		return scanning.NewUnscannedResult(job)
	}
	lc.Add("rules_hash", snap.Hash)

	total := newVerdict()
	scanned := 0
	for _, url := range job.Distributions {
		v, err := w.scanDistribution(ctx, snap, url, lc)
		if v != nil {
			// Matches found before an iteration failure still count.
			total.merge(v)
			scanned++
		}
		if err != nil {
			w.metrics.IncDistributions(ctx, distributionOutcome(err))
			lc.Warn(ctx, "distribution not fully scanned", "url", url, "error", err, "partial", v != nil)
			continue
		}
		w.metrics.IncDistributions(ctx, "scanned")
	}

	if scanned == 0 {
		lc.Warn(ctx, "no distribution could be scanned")
		return scanning.NewUnscannedResult(job)
	}
	return total.result(job, w.cfg.InspectorBaseURL)
}

// scanDistribution fetches url and scans every entry. The verdict is nil only
// when the artifact could not be fetched. An entry that cannot be read or
// scanned is skipped; a failure to advance the archive ends the walk and the
// matches gathered so far are returned together with the error.
func (w *Worker) scanDistribution(
	ctx context.Context,
	snap apprules.Snapshot,
	url string,
	lc *logger.LoggerContext,
) (*verdict, error) {
	ctx, span := w.tracer.Start(ctx, "worker.scan_distribution", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	w.setState(StateFetchingArtifact)
	archive, err := w.fetcher.Fetch(ctx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	defer archive.Close()

	w.setState(StateScanning)
	v := newVerdict()
	entries, skipped, failed := 0, 0, 0
	var iterErr error
	for {
		entry, err := archive.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "archive iteration failed")
			iterErr = err
			break
		}

		if w.filter.Skip(entry.Name) {
			skipped++
			w.metrics.IncEntriesSkipped(ctx)
			continue
		}

		matches, err := w.scanEntry(ctx, snap, entry)
		if err != nil {
			failed++
			w.metrics.IncEntriesFailed(ctx)
			span.RecordError(err)
			lc.Warn(ctx, "entry not scanned", "url", url, "entry", entry.Name, "error", err)
			continue
		}
		entries++
		w.metrics.IncEntriesScanned(ctx)

		if len(matches) > 0 {
			lc.Debug(ctx, "entry matched", "url", url, "entry", entry.Name, "matches", len(matches))
		}
		v.record(url, entry.Name, matches)
	}

	span.SetAttributes(
		attribute.Int("entries_scanned", entries),
		attribute.Int("entries_skipped", skipped),
		attribute.Int("entries_failed", failed),
		attribute.Int64("archive_size", archive.Size()),
	)
	lc.Debug(ctx, "distribution scanned",
		"url", url,
		"format", string(archive.Format()),
		"entries", entries,
		"skipped", skipped,
		"failed", failed,
	)
	return v, iterErr
}

func (w *Worker) scanEntry(ctx context.Context, snap apprules.Snapshot, entry *scanning.Entry) ([]rules.Match, error) {
	data, err := readEntry(entry, w.cfg.MaxEntrySize)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", entry.Name, err)
	}
	matches, err := snap.Scan(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", entry.Name, err)
	}
	return matches, nil
}

// readEntry reads an entry into a buffer sized from its header, so a
// well-formed entry is read without regrowing. A header that understates
// the content only costs extra growth; limit caps what a header can reserve.
func readEntry(entry *scanning.Entry, limit int64) ([]byte, error) {
	buf := make([]byte, 0, min(max(entry.Size, 0), limit)+1)
	for {
		if len(buf) == cap(buf) {
			buf = slices.Grow(buf, cap(buf))
		}
		n, err := entry.Content.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if errors.Is(err, io.EOF) {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// submit delivers result, retrying transport failures a bounded number of
// times. The coordinator keys results by name and version, so a retried PUT
// cannot produce a second verdict.
func (w *Worker) submit(ctx context.Context, result scanning.Result, lc *logger.LoggerContext) error {
	if w.cfg.SubmitRetries == 0 {
		return w.jobs.SubmitResult(ctx, result)
	}

	op := func() error {
		err := w.jobs.SubmitResult(ctx, result)
		if err != nil && !scanning.IsRetryable(err) {
			return common.Permanent(err)
		}
		return err
	}

	return common.RetryWithBackoff(ctx, common.RetryConfig{
		InitialInterval: w.cfg.SubmitRetryInterval,
		MaxInterval:     10 * w.cfg.SubmitRetryInterval,
		MaxRetries:      w.cfg.SubmitRetries,
	}, op, func(err error, wait time.Duration) {
		lc.Warn(ctx, "submit failed; retrying", "error", err, "retry_in", wait)
	})
}

func distributionOutcome(err error) string {
	var (
		unsupported *scanning.UnsupportedFormatError
		corrupt     *scanning.CorruptArchiveError
		transport   *scanning.TransportError
	)
	switch {
	case scanning.IsDownloadTooLarge(err):
		return "too_large"
	case errors.As(err, &unsupported):
		return "unsupported"
	case errors.As(err, &corrupt):
		return "corrupt"
	case errors.As(err, &transport):
		return "transport"
	default:
		return "scan_error"
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
