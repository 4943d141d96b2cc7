package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://127.0.0.1:8000", cfg.Coordinator.BaseURL)
	assert.Equal(t, int64(250_000_000), cfg.Artifact.MaxSize)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader(newFlags(t)).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scanner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
coordinator:
  base_url: http://from-file:8000
  request_timeout: 10s
artifact:
  max_size: 1000
worker:
  poll_interval_min: 2s
  poll_interval_max: 1m
  inspector_base_url: https://inspector.example
  skip_entry_patterns:
    - '\.png$'
log:
  level: warn
`), 0o600))

	t.Setenv("SCANNER_ARTIFACT_MAX_SIZE", "2000")
	t.Setenv("SCANNER_LOG_LEVEL", "error")

	cfg, err := NewLoader(newFlags(t, "--config", path, "--log-level", "debug")).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "http://from-file:8000", cfg.Coordinator.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.RequestTimeout)
	assert.Equal(t, int64(2000), cfg.Artifact.MaxSize, "env overrides file")
	assert.Equal(t, "debug", cfg.Log.Level, "flag overrides env")
	assert.Equal(t, 2*time.Second, cfg.Worker.PollIntervalMin)
	assert.Equal(t, time.Minute, cfg.Worker.PollIntervalMax)
	assert.Equal(t, []string{`\.png$`}, cfg.Worker.SkipEntryPatterns)
	assert.Equal(t, "https://inspector.example", cfg.Worker.InspectorBaseURL)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestLoad_FlagOverrides(t *testing.T) {
	cfg, err := NewLoader(newFlags(t,
		"--coordinator-url", "http://coordinator.internal:9000",
		"--max-size", "4096",
		"--skip-entry-pattern", `\.so$`,
		"--skip-entry-pattern", `^docs/`,
		"--debug-addr", "localhost:6060",
	)).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "http://coordinator.internal:9000", cfg.Coordinator.BaseURL)
	assert.Equal(t, int64(4096), cfg.Artifact.MaxSize)
	assert.Equal(t, []string{`\.so$`, `^docs/`}, cfg.Worker.SkipEntryPatterns)
	assert.Equal(t, "localhost:6060", cfg.Server.DebugAddr)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := NewLoader(newFlags(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))).Load(context.Background())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "bad coordinator url", mutate: func(c *Config) { c.Coordinator.BaseURL = "not-a-url" }},
		{name: "zero max size", mutate: func(c *Config) { c.Artifact.MaxSize = 0 }},
		{name: "zero request timeout", mutate: func(c *Config) { c.Coordinator.RequestTimeout = 0 }},
		{name: "max poll below min", mutate: func(c *Config) {
			c.Worker.PollIntervalMin = time.Minute
			c.Worker.PollIntervalMax = time.Second
		}},
		{name: "sampling ratio above one", mutate: func(c *Config) { c.Telemetry.SamplingRatio = 1.5 }},
		{name: "telemetry without endpoint", mutate: func(c *Config) { c.Telemetry.Enabled = true }},
		{name: "unknown log level", mutate: func(c *Config) { c.Log.Level = "verbose" }},
		{name: "bad health addr", mutate: func(c *Config) { c.Server.HealthAddr = "8080" }},
		{name: "bad inspector url", mutate: func(c *Config) { c.Worker.InspectorBaseURL = "inspector" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_EnvValidationFailure(t *testing.T) {
	t.Setenv("SCANNER_LOG_LEVEL", "chatty")
	_, err := NewLoader(nil).Load(context.Background())
	require.Error(t, err)
}
