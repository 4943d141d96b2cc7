package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the loader reads, e.g.
// SCANNER_COORDINATOR_BASE_URL for coordinator.base_url.
const EnvPrefix = "SCANNER"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration so the entrypoint does not care where values come from.
type Loader interface {
	// Load retrieves, parses and validates the configuration.
	Load(ctx context.Context) (*Config, error)
}

var _ Loader = (*ViperLoader)(nil)

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"coordinator-url":    "coordinator.base_url",
	"max-size":           "artifact.max_size",
	"inspector-url":      "worker.inspector_base_url",
	"skip-entry-pattern": "worker.skip_entry_patterns",
	"health-addr":        "server.health_addr",
	"debug-addr":         "server.debug_addr",
	"otel-endpoint":      "telemetry.exporter_endpoint",
	"telemetry":          "telemetry.enabled",
	"log-level":          "log.level",
}

// RegisterFlags adds the worker's flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("coordinator-url", def.Coordinator.BaseURL, "coordinator base URL")
	fs.Int64("max-size", def.Artifact.MaxSize, "maximum decompressed artifact size in bytes")
	fs.String("inspector-url", def.Worker.InspectorBaseURL, "package inspector base URL used in verdict links")
	fs.StringSlice("skip-entry-pattern", nil, "RE2 pattern of archive entries to skip (repeatable)")
	fs.String("health-addr", def.Server.HealthAddr, "health and metrics listen address")
	fs.String("debug-addr", def.Server.DebugAddr, "debug (pprof, statsviz) listen address; empty disables")
	fs.String("otel-endpoint", def.Telemetry.ExporterEndpoint, "OTLP gRPC exporter endpoint")
	fs.Bool("telemetry", def.Telemetry.Enabled, "export traces and metrics over OTLP")
	fs.String("log-level", def.Log.Level, "log level: debug, info, warn, error")
}

// ViperLoader layers flags over environment variables over an optional
// config file over Default.
type ViperLoader struct {
	flags *pflag.FlagSet
}

// NewLoader returns a loader reading fs, which must have been populated by
// RegisterFlags and parsed. A nil fs skips flags.
func NewLoader(fs *pflag.FlagSet) *ViperLoader {
	return &ViperLoader{flags: fs}
}

// Load implements Loader.
func (l *ViperLoader) Load(_ context.Context) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.flags != nil {
		for name, key := range flagKeys {
			if f := l.flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}

		if path, err := l.flags.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("coordinator.base_url", d.Coordinator.BaseURL)
	v.SetDefault("coordinator.request_timeout", d.Coordinator.RequestTimeout)
	v.SetDefault("coordinator.submit_retries", d.Coordinator.SubmitRetries)
	v.SetDefault("coordinator.submit_retry_interval", d.Coordinator.SubmitRetryInterval)
	v.SetDefault("coordinator.startup_sync_timeout", d.Coordinator.StartupSyncTimeout)

	v.SetDefault("artifact.max_size", d.Artifact.MaxSize)
	v.SetDefault("artifact.fetch_timeout", d.Artifact.FetchTimeout)
	v.SetDefault("artifact.scan_timeout", d.Artifact.ScanTimeout)

	v.SetDefault("worker.poll_interval_min", d.Worker.PollIntervalMin)
	v.SetDefault("worker.poll_interval_max", d.Worker.PollIntervalMax)
	v.SetDefault("worker.polls_per_second", d.Worker.PollsPerSecond)
	v.SetDefault("worker.rule_refresh_interval", d.Worker.RuleRefreshInterval)
	v.SetDefault("worker.inspector_base_url", d.Worker.InspectorBaseURL)
	v.SetDefault("worker.skip_entry_patterns", d.Worker.SkipEntryPatterns)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.exporter_endpoint", d.Telemetry.ExporterEndpoint)
	v.SetDefault("telemetry.sampling_ratio", d.Telemetry.SamplingRatio)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)

	v.SetDefault("server.health_addr", d.Server.HealthAddr)
	v.SetDefault("server.debug_addr", d.Server.DebugAddr)

	v.SetDefault("log.level", d.Log.Level)
}
