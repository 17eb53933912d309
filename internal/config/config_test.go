package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
mode: prod
storage:
  logs_root: /nas/logs
  data_root: /nas/data
  secondary_root: /var/local/collector
leader:
  enabled: false
  stale_after: 60s
exchange:
  product_code: ETH_JPY
  timeout: 3s
jobs:
  - exchange: bitflyer
    topic: trades
    interval: 2s
    rate:
      capacity: 3
      refill_per_sec: 0.5
    backoff:
      base: 1s
      max: 30s
    count: 100
metrics:
  enabled: true
  port: 9191
tracing:
  exporter: STDOUT
`)
	t.Setenv(EnvLogsDir, "")
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvMode, "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "PROD", cfg.Mode)
	assert.Equal(t, "/nas/logs", cfg.Storage.LogsRoot)
	assert.Equal(t, "/var/local/collector", cfg.Storage.SecondaryRoot)
	assert.False(t, cfg.Leader.IsEnabled())
	assert.Equal(t, 60*time.Second, cfg.Leader.StaleAfter)
	assert.Equal(t, DefaultRenewEvery, cfg.Leader.RenewEvery)
	assert.Equal(t, "ETH_JPY", cfg.Exchange.ProductCode)
	assert.Equal(t, 3*time.Second, cfg.Exchange.Timeout)

	require.Len(t, cfg.Jobs, 1)
	j := cfg.Jobs[0]
	assert.Equal(t, 2*time.Second, j.Interval)
	assert.Equal(t, "bitflyer.trades", j.Rate.Name)
	assert.Equal(t, 3.0, j.Rate.Capacity)
	assert.Equal(t, 0.5, j.Rate.RefillPerSec)
	assert.Equal(t, DefaultRateTimeout, j.Rate.Timeout)
	assert.Equal(t, time.Second, j.Backoff.Base)
	assert.Equal(t, 30*time.Second, j.Backoff.Max)
	assert.Equal(t, 100, j.Count)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, DefaultHealthPort, cfg.Health.Port)
	assert.Equal(t, "stdout", cfg.Tracing.Exporter)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvLogsDir, "")
	t.Setenv(EnvDataDir, "")
	t.Setenv(EnvMode, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultMode, cfg.Mode)
	assert.Equal(t, DefaultLogsRoot, cfg.Storage.LogsRoot)
	assert.Equal(t, DefaultDataRoot, cfg.Storage.DataRoot)
	assert.Equal(t, DefaultSecondaryRoot, cfg.Storage.SecondaryRoot)
	assert.True(t, cfg.Leader.IsEnabled())
	assert.Equal(t, DefaultStaleAfter, cfg.Leader.StaleAfter)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, "trades", cfg.Jobs[0].Topic)
	assert.Equal(t, "board", cfg.Jobs[1].Topic)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "jobs: [unterminated")
	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  logs_root: /from/yaml/logs
  data_root: /from/yaml/data
`)
	t.Setenv(EnvLogsDir, "/env/logs")
	t.Setenv(EnvDataDir, "/env/data")
	t.Setenv(EnvMode, "live")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/env/logs", cfg.Storage.LogsRoot)
	assert.Equal(t, "/env/data", cfg.Storage.DataRoot)
	assert.Equal(t, "LIVE", cfg.Mode)
}

func TestApplyEnvIgnoresEmpty(t *testing.T) {
	cfg := Config{Storage: StorageConfig{LogsRoot: "keep"}}
	ApplyEnv(&cfg, func(string) (string, bool) { return "", true })
	assert.Equal(t, "keep", cfg.Storage.LogsRoot)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	var a Config
	Normalize(&a)
	b := a
	b.Jobs = append([]JobConfig(nil), a.Jobs...)
	Normalize(&b)
	assert.Equal(t, a, b)

	Normalize(nil)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		var c Config
		Normalize(&c)
		return &c
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		msg    string
	}{
		{"ok", func(c *Config) {}, ""},
		{"renew too slow", func(c *Config) { c.Leader.RenewEvery = 20 * time.Second }, "renew_every"},
		{"missing topic", func(c *Config) { c.Jobs[0].Topic = "" }, "exchange and topic"},
		{"duplicate job", func(c *Config) { c.Jobs[1] = c.Jobs[0] }, "duplicate job"},
		{"fractional capacity", func(c *Config) { c.Jobs[0].Rate.Capacity = 0.5 }, "rate.capacity"},
		{"backoff inverted", func(c *Config) { c.Jobs[0].Backoff.Max = 100 * time.Millisecond }, "backoff.max"},
		{"bad port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "tracing.exporter"},
		{"no secondary", func(c *Config) { c.Storage.SecondaryRoot = "" }, "secondary_root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.msg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	assert.ErrorIs(t, Validate(nil), ErrInvalid)
}
