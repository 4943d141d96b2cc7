package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/registry-scanner/internal/domain/rules"
	"github.com/ahrav/registry-scanner/pkg/common/logger"
)

// SyncOptions tunes a single Sync call.
type SyncOptions struct {
	// Force recompiles and reinstalls the bundle even when its hash matches
	// the installed one.
	Force bool
}

// Synchronizer fetches the coordinator's rule bundle, compiles it and
// installs the result into State. It is the only writer of State.
type Synchronizer struct {
	provider rules.BundleProvider
	compiler rules.Compiler
	state    *State

	// syncMu serializes syncs so concurrent callers (per-job sync and the
	// background refresher) never compile the same bundle twice.
	syncMu sync.Mutex

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SyncMetrics
}

// NewSynchronizer creates a Synchronizer that installs into state.
func NewSynchronizer(
	provider rules.BundleProvider,
	compiler rules.Compiler,
	state *State,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics SyncMetrics,
) *Synchronizer {
	return &Synchronizer{
		provider: provider,
		compiler: compiler,
		state:    state,
		logger:   log.With("component", "rules_synchronizer"),
		tracer:   tracer,
		metrics:  metrics,
	}
}

// State returns the state this synchronizer installs into.
func (s *Synchronizer) State() *State { return s.state }

// FetchCurrentBundle retrieves the coordinator's current bundle.
func (s *Synchronizer) FetchCurrentBundle(ctx context.Context) (rules.Bundle, error) {
	return s.provider.FetchRuleBundle(ctx)
}

// Compile compiles every rule of bundle as one unit. Failure yields a
// *rules.CompilationError and no rule-set.
func (s *Synchronizer) Compile(ctx context.Context, bundle rules.Bundle) (rules.RuleSet, error) {
	_, span := s.tracer.Start(ctx, "rules_synchronizer.compile",
		trace.WithAttributes(
			attribute.String("bundle_hash", bundle.Hash),
			attribute.Int("rule_count", bundle.Len()),
		),
	)
	defer span.End()

	start := time.Now()
	rs, err := s.compiler.Compile(bundle.Source())
	s.metrics.ObserveCompileDuration(ctx, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compilation failed")
		return nil, &rules.CompilationError{Hash: bundle.Hash, Err: err}
	}
	return rs, nil
}

// Sync brings State up to date with the coordinator. An unchanged hash
// skips compilation. On any failure the installed state is left untouched.
func (s *Synchronizer) Sync(ctx context.Context) error {
	return s.SyncWithOptions(ctx, SyncOptions{})
}

// ForceSync recompiles and reinstalls the current bundle regardless of hash.
func (s *Synchronizer) ForceSync(ctx context.Context) error {
	return s.SyncWithOptions(ctx, SyncOptions{Force: true})
}

// SyncWithOptions is Sync with explicit options.
func (s *Synchronizer) SyncWithOptions(ctx context.Context, opts SyncOptions) error {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "rules_synchronizer.sync",
		trace.WithAttributes(attribute.Bool("force", opts.Force)),
	)
	defer span.End()

	bundle, err := s.FetchCurrentBundle(ctx)
	if err != nil {
		s.metrics.IncSync(ctx, syncOutcomeFetchFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return fmt.Errorf("fetching rule bundle: %w", err)
	}
	span.SetAttributes(attribute.String("bundle_hash", bundle.Hash))

	installed := s.state.Current()
	if !opts.Force && installed.Installed() && installed.Hash == bundle.Hash {
		s.metrics.IncSync(ctx, syncOutcomeUnchanged)
		s.logger.Debug(ctx, "rule bundle unchanged", "hash", bundle.Hash)
		return nil
	}

	rs, err := s.Compile(ctx, bundle)
	if err != nil {
		s.metrics.IncSync(ctx, syncOutcomeCompileFailed)
		span.SetStatus(codes.Error, "compile failed")
		return err
	}

	s.state.Replace(bundle.Hash, rs)
	s.metrics.IncSync(ctx, syncOutcomeInstalled)
	s.metrics.SetRuleCount(ctx, bundle.Len())
	s.logger.Info(ctx, "rule bundle installed",
		"hash", bundle.Hash,
		"previous_hash", installed.Hash,
		"rule_count", bundle.Len(),
	)
	return nil
}
