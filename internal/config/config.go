// Package config defines the worker configuration and loads it from flags,
// environment variables, an optional YAML file and built-in defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the complete worker configuration.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Artifact    ArtifactConfig    `mapstructure:"artifact"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
}

// CoordinatorConfig locates the coordinator and bounds every call to it.
type CoordinatorConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	// SubmitRetries is how many times a failed result submission is retried.
	SubmitRetries       uint64        `mapstructure:"submit_retries"`
	SubmitRetryInterval time.Duration `mapstructure:"submit_retry_interval" validate:"gt=0"`
	// StartupSyncTimeout bounds how long the worker keeps retrying the
	// initial rule sync before giving up.
	StartupSyncTimeout time.Duration `mapstructure:"startup_sync_timeout" validate:"gt=0"`
}

// ArtifactConfig bounds artifact downloads and scans.
type ArtifactConfig struct {
	MaxSize      int64         `mapstructure:"max_size" validate:"gt=0"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	// ScanTimeout caps a single entry scan. Zero disables the cap.
	ScanTimeout time.Duration `mapstructure:"scan_timeout" validate:"gte=0"`
}

// WorkerConfig tunes the polling loop and the verdict.
type WorkerConfig struct {
	PollIntervalMin     time.Duration `mapstructure:"poll_interval_min" validate:"gt=0"`
	PollIntervalMax     time.Duration `mapstructure:"poll_interval_max" validate:"gtefield=PollIntervalMin"`
	PollsPerSecond      float64       `mapstructure:"polls_per_second" validate:"gte=0"`
	RuleRefreshInterval time.Duration `mapstructure:"rule_refresh_interval" validate:"gte=0"`
	InspectorBaseURL    string        `mapstructure:"inspector_base_url" validate:"omitempty,url"`
	SkipEntryPatterns   []string      `mapstructure:"skip_entry_patterns"`
}

// TelemetryConfig controls tracing and metrics export.
type TelemetryConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ServiceName      string  `mapstructure:"service_name" validate:"required"`
	ExporterEndpoint string  `mapstructure:"exporter_endpoint" validate:"required_if=Enabled true"`
	SamplingRatio    float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
	Insecure         bool    `mapstructure:"insecure"`
}

// ServerConfig holds listen addresses. An empty debug address disables the
// debug server.
type ServerConfig struct {
	HealthAddr string `mapstructure:"health_addr" validate:"required,hostname_port"`
	DebugAddr  string `mapstructure:"debug_addr" validate:"omitempty,hostname_port"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			BaseURL:             "http://127.0.0.1:8000",
			RequestTimeout:      30 * time.Second,
			SubmitRetries:       3,
			SubmitRetryInterval: 500 * time.Millisecond,
			StartupSyncTimeout:  2 * time.Minute,
		},
		Artifact: ArtifactConfig{
			MaxSize:      250_000_000,
			FetchTimeout: 5 * time.Minute,
			ScanTimeout:  time.Minute,
		},
		Worker: WorkerConfig{
			PollIntervalMin:     time.Second,
			PollIntervalMax:     30 * time.Second,
			PollsPerSecond:      2,
			RuleRefreshInterval: 5 * time.Minute,
			SkipEntryPatterns:   []string{},
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "registry-scanner",
			SamplingRatio: 0.1,
		},
		Server: ServerConfig{
			HealthAddr: ":8080",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Validate checks cfg against its field constraints.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
