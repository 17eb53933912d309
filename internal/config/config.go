// ============================================================================
// Market-Collector Config - 設定檔
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: YAML 設定結構、載入與環境變數覆寫
//
// 載入順序:
//   1. 讀取 YAML（預設 configs/collector.yaml）
//   2. 環境變數覆寫：COLLECTOR_LOGS_DIR / COLLECTOR_DATA_DIR / COLLECTOR_MODE
//   3. Normalize() 補預設值
//   4. Validate() 回傳第一個問題
//
// 範例:
//
//   storage:
//     logs_root: /mnt/nas/logs
//     data_root: /mnt/nas/data
//     secondary_root: ./local
//   leader:
//     enabled: true
//     stale_after: 45s
//   jobs:
//     - exchange: bitflyer
//       topic: trades
//       interval: 1s
//       rate: { capacity: 1, refill_per_sec: 1 }
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvLogsDir = "COLLECTOR_LOGS_DIR"
	EnvDataDir = "COLLECTOR_DATA_DIR"
	EnvMode    = "COLLECTOR_MODE"

	DefaultPath = "configs/collector.yaml"
)

var (
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("config: invalid")
)

// Config 完整設定結構
type Config struct {
	Mode     string         `yaml:"mode"`
	Storage  StorageConfig  `yaml:"storage"`
	Leader   LeaderConfig   `yaml:"leader"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Jobs     []JobConfig    `yaml:"jobs"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Health   HealthConfig   `yaml:"health"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// StorageConfig 主要/次要儲存根目錄
type StorageConfig struct {
	LogsRoot      string `yaml:"logs_root"`
	DataRoot      string `yaml:"data_root"`
	SecondaryRoot string `yaml:"secondary_root"`
}

// LeaderConfig leader lock 設定
type LeaderConfig struct {
	Enabled    *bool         `yaml:"enabled"`
	Name       string        `yaml:"name"`
	StaleAfter time.Duration `yaml:"stale_after"`
	RenewEvery time.Duration `yaml:"renew_every"`
}

// IsEnabled reports whether the leader lock is used (default true).
func (l LeaderConfig) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

// ExchangeConfig 交易所 HTTP 設定
type ExchangeConfig struct {
	BaseURL     string        `yaml:"base_url"`
	UserAgent   string        `yaml:"user_agent"`
	Timeout     time.Duration `yaml:"timeout"`
	ProductCode string        `yaml:"product_code"`
}

// SnapshotConfig 快照設定
type SnapshotConfig struct {
	UseLocalTime bool `yaml:"use_local_time"`
}

// RateConfig token bucket 設定
type RateConfig struct {
	Name         string        `yaml:"name"`
	Capacity     float64       `yaml:"capacity"`
	RefillPerSec float64       `yaml:"refill_per_sec"`
	Timeout      time.Duration `yaml:"timeout"`
}

// BackoffConfig 失敗退避設定
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// JobConfig 單一 (exchange, topic) 收集工作
type JobConfig struct {
	Exchange string        `yaml:"exchange"`
	Topic    string        `yaml:"topic"`
	Interval time.Duration `yaml:"interval"`
	Rate     RateConfig    `yaml:"rate"`
	Backoff  BackoffConfig `yaml:"backoff"`
	// Count is the executions page size (trades), Depth the book depth (board).
	Count int `yaml:"count"`
	Depth int `yaml:"depth"`
}

// MetricsConfig Prometheus 設定
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HealthConfig gRPC health 設定
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TracingConfig OpenTelemetry 設定
type TracingConfig struct {
	// Exporter is "none" or "stdout".
	Exporter string `yaml:"exporter"`
}

// Load 讀取設定檔，套用環境變數並補預設值
//
// 參數：
//   - path: YAML 檔案路徑；檔案不存在時使用全部預設值
//
// 返回值：
//   - *Config: 已 Normalize 與 Validate 的設定
//   - error: 讀取、解析或驗證失敗
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ApplyEnv(&cfg, os.LookupEnv)
	Normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides storage roots and mode from the environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogsDir); ok && v != "" {
		cfg.Storage.LogsRoot = v
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		cfg.Storage.DataRoot = v
	}
	if v, ok := lookup(EnvMode); ok && v != "" {
		cfg.Mode = v
	}
}
