package config

import (
	"strings"
	"time"
)

// Defaults applied by Normalize.
const (
	DefaultMode          = "DEBUG"
	DefaultLogsRoot      = "logs"
	DefaultDataRoot      = "data"
	DefaultSecondaryRoot = "./local"
	DefaultLeaderName    = "collector"
	DefaultStaleAfter    = 45 * time.Second
	DefaultRenewEvery    = 2 * time.Second
	DefaultInterval      = time.Second
	DefaultRateTimeout   = 2 * time.Second
	DefaultBaseBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff    = 15 * time.Second
	DefaultProductCode   = "BTC_JPY"
	DefaultHTTPTimeout   = 5 * time.Second
	DefaultMetricsPort   = 9090
	DefaultHealthPort    = 50051
)

// Normalize fills zero values with defaults. It is idempotent.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Mode == "" {
		cfg.Mode = DefaultMode
	}
	cfg.Mode = strings.ToUpper(cfg.Mode)

	// ------------------------------------------------------------
	// STORAGE
	// ------------------------------------------------------------
	if cfg.Storage.LogsRoot == "" {
		cfg.Storage.LogsRoot = DefaultLogsRoot
	}
	if cfg.Storage.DataRoot == "" {
		cfg.Storage.DataRoot = DefaultDataRoot
	}
	if cfg.Storage.SecondaryRoot == "" {
		cfg.Storage.SecondaryRoot = DefaultSecondaryRoot
	}

	// ------------------------------------------------------------
	// LEADER
	// ------------------------------------------------------------
	if cfg.Leader.Name == "" {
		cfg.Leader.Name = DefaultLeaderName
	}
	if cfg.Leader.StaleAfter <= 0 {
		cfg.Leader.StaleAfter = DefaultStaleAfter
	}
	if cfg.Leader.RenewEvery <= 0 {
		cfg.Leader.RenewEvery = DefaultRenewEvery
	}

	// ------------------------------------------------------------
	// EXCHANGE
	// ------------------------------------------------------------
	if cfg.Exchange.ProductCode == "" {
		cfg.Exchange.ProductCode = DefaultProductCode
	}
	if cfg.Exchange.Timeout <= 0 {
		cfg.Exchange.Timeout = DefaultHTTPTimeout
	}

	// ------------------------------------------------------------
	// JOBS
	// ------------------------------------------------------------
	if len(cfg.Jobs) == 0 {
		cfg.Jobs = []JobConfig{
			{Exchange: "bitflyer", Topic: "trades"},
			{Exchange: "bitflyer", Topic: "board"},
		}
	}
	for i := range cfg.Jobs {
		j := &cfg.Jobs[i]
		if j.Interval <= 0 {
			j.Interval = DefaultInterval
		}
		if j.Rate.Name == "" {
			j.Rate.Name = j.Exchange + "." + j.Topic
		}
		if j.Rate.Capacity <= 0 {
			j.Rate.Capacity = 1
		}
		if j.Rate.RefillPerSec <= 0 {
			j.Rate.RefillPerSec = 1
		}
		if j.Rate.Timeout <= 0 {
			j.Rate.Timeout = DefaultRateTimeout
		}
		if j.Backoff.Base <= 0 {
			j.Backoff.Base = DefaultBaseBackoff
		}
		if j.Backoff.Max <= 0 {
			j.Backoff.Max = DefaultMaxBackoff
		}
	}

	// ------------------------------------------------------------
	// ENDPOINTS
	// ------------------------------------------------------------
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = DefaultHealthPort
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "none"
	}
	cfg.Tracing.Exporter = strings.ToLower(cfg.Tracing.Exporter)
}
