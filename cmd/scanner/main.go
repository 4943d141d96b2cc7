package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	apprules "github.com/ahrav/registry-scanner/internal/app/rules"
	"github.com/ahrav/registry-scanner/internal/app/scanning"
	"github.com/ahrav/registry-scanner/internal/config"
	"github.com/ahrav/registry-scanner/internal/debug"
	"github.com/ahrav/registry-scanner/internal/domain/rules"
	"github.com/ahrav/registry-scanner/internal/infra/archive"
	"github.com/ahrav/registry-scanner/internal/infra/coordinator"
	"github.com/ahrav/registry-scanner/internal/infra/matcher/yara"
	"github.com/ahrav/registry-scanner/pkg/common"
	"github.com/ahrav/registry-scanner/pkg/common/logger"
	"github.com/ahrav/registry-scanner/pkg/common/otel"
)

var build = "develop"

const serviceType = "registry-scanner"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	flags := pflag.NewFlagSet(serviceType, pflag.ExitOnError)
	config.RegisterFlags(flags)
	_ = flags.Parse(os.Args[1:])

	ctx := context.Background()

	cfg, err := config.NewLoader(flags).Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	hostname, err := os.Hostname()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get hostname: %v\n", err)
		os.Exit(1)
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	metadata := map[string]string{
		"worker_id": workerID,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
		"build":     build,
	}

	log := logger.NewWithMetadata(
		os.Stdout,
		logger.ParseLevel(cfg.Log.Level),
		cfg.Telemetry.ServiceName,
		traceIDFn,
		logEvents,
		metadata,
	)

	if err := run(ctx, log, cfg, workerID); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, workerID string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support", "enabled", cfg.Telemetry.Enabled)

	otelCfg := otel.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language":    "go",
			"service.instance.id": workerID,
			"k8s.pod.name":        os.Getenv("POD_NAME"),
			"k8s.namespace":       os.Getenv("POD_NAMESPACE"),
		},
		InsecureExporter:     cfg.Telemetry.Insecure,
		PrometheusRegisterer: prometheus.DefaultRegisterer,
	}
	if cfg.Telemetry.Enabled {
		otelCfg.ExporterEndpoint = cfg.Telemetry.ExporterEndpoint
	}

	traceProvider, teardown, err := otel.InitTelemetry(log, otelCfg)
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(context.Background())

	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)
	mp := otel.GetMeterProvider()

	// -------------------------------------------------------------------------
	// Build Components
	log.Info(ctx, "startup", "status", "initializing worker components")

	userAgent := fmt.Sprintf("%s/%s", serviceType, build)
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	coordinatorClient, err := coordinator.NewClient(httpClient, coordinator.Config{
		BaseURL:        cfg.Coordinator.BaseURL,
		RequestTimeout: cfg.Coordinator.RequestTimeout,
		UserAgent:      userAgent,
	}, log, tracer)
	if err != nil {
		return fmt.Errorf("creating coordinator client: %w", err)
	}

	fetcherMetrics, err := archive.NewFetcherMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating fetcher metrics: %w", err)
	}
	fetcher := archive.NewFetcher(httpClient, archive.Config{
		MaxSize:      cfg.Artifact.MaxSize,
		FetchTimeout: cfg.Artifact.FetchTimeout,
		UserAgent:    userAgent,
	}, log, tracer, fetcherMetrics)

	syncMetrics, err := apprules.NewSyncMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating sync metrics: %w", err)
	}
	ruleState := apprules.NewState()
	synchronizer := apprules.NewSynchronizer(
		coordinatorClient,
		yara.NewCompiler(cfg.Artifact.ScanTimeout),
		ruleState,
		log,
		tracer,
		syncMetrics,
	)

	filter, err := scanning.NewEntryFilter(cfg.Worker.SkipEntryPatterns)
	if err != nil {
		return fmt.Errorf("creating entry filter: %w", err)
	}

	workerMetrics, err := scanning.NewWorkerMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating worker metrics: %w", err)
	}
	worker := scanning.NewWorker(
		workerID,
		coordinatorClient,
		fetcher,
		synchronizer,
		ruleState,
		filter,
		scanning.Config{
			PollIntervalMin:     cfg.Worker.PollIntervalMin,
			PollIntervalMax:     cfg.Worker.PollIntervalMax,
			PollsPerSecond:      cfg.Worker.PollsPerSecond,
			SubmitRetries:       cfg.Coordinator.SubmitRetries,
			SubmitRetryInterval: cfg.Coordinator.SubmitRetryInterval,
			InspectorBaseURL:    cfg.Worker.InspectorBaseURL,
			MaxEntrySize:        cfg.Artifact.MaxSize,
		},
		log,
		tracer,
		workerMetrics,
	)

	// -------------------------------------------------------------------------
	// Start Health and Debug Services

	g, gctx := errgroup.WithContext(ctx)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(cfg.Server.HealthAddr, ready, func() string {
		return worker.State().String()
	})
	healthServer.Server().ErrorLog = logger.NewStdLogger(log, logger.LevelError)
	serve(gctx, g, log, "health", healthServer.Server())

	if cfg.Server.DebugAddr != "" {
		debugServer := &http.Server{
			Addr:              cfg.Server.DebugAddr,
			Handler:           debug.Mux(),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logger.NewStdLogger(log, logger.LevelError),
		}
		serve(gctx, g, log, "debug", debugServer)
	}

	// -------------------------------------------------------------------------
	// Initial Rule Sync
	log.Info(ctx, "startup", "status", "syncing rules", "coordinator", cfg.Coordinator.BaseURL)

	if err := initialSync(gctx, log, synchronizer, cfg.Coordinator.StartupSyncTimeout, startupRetry); err != nil {
		stop()
		_ = g.Wait()
		return fmt.Errorf("initial rule sync: %w", err)
	}
	ready.Store(true)

	// -------------------------------------------------------------------------
	// Start Worker

	refresher := apprules.NewRefresher(synchronizer, cfg.Worker.RuleRefreshInterval, log)
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error { return worker.Run(gctx) })

	log.Info(ctx, "startup", "status", "worker started", "rules_hash", ruleState.Hash())

	// -------------------------------------------------------------------------
	// Shutdown

	err = g.Wait()
	log.Info(context.Background(), "shutdown", "status", "shutdown complete")
	return err
}

var startupRetry = common.RetryConfig{
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
}

// initialSync installs the first rule-set, retrying transient failures until
// timeout. A bundle that does not compile fails immediately.
func initialSync(
	ctx context.Context,
	log *logger.Logger,
	s apprules.Syncer,
	timeout time.Duration,
	retry common.RetryConfig,
) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return common.RetryWithBackoff(ctx, retry, func() error {
		err := s.Sync(ctx)
		var ce *rules.CompilationError
		if errors.As(err, &ce) {
			return common.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		log.Warn(ctx, "startup", "status", "rule sync failed, retrying", "error", err, "retry_in", wait)
	})
}

// serve runs srv in g and shuts it down once ctx is done.
func serve(ctx context.Context, g *errgroup.Group, log *logger.Logger, name string, srv *http.Server) {
	g.Go(func() error {
		log.Info(ctx, "startup", "status", name+" server started", "host", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "shutdown", "status", name+" server shutdown failed", "error", err)
		}
		return nil
	})
}
