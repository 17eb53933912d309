// ============================================================================
// Market-Collector Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露收集器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - collector_fetch_total{exchange,topic,result}: fetch 次數（ok / fail）
//      - collector_rate_timeouts_total{scope}: 等不到 token 而跳過的週期
//      - collector_snapshot_errors_total{exchange,topic}: 快照寫入失敗
//
//   2. 性能指標 (Histogram)：
//      - collector_fetch_latency_seconds{exchange,topic}
//
//   3. 狀態指標 (Gauge)：
//      - collector_backoff_seconds{exchange,topic}: 下一次睡眠附加的退避
//      - collector_leader_owned: 1 表示本 process 持有 leader lock
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(collector_fetch_total{result="fail"}[5m]) / rate(collector_fetch_total[5m])
//
//   # leader 消失告警
//   max(collector_leader_owned) == 0
//
// 所有方法允許 nil receiver，未啟用 metrics 時直接傳 nil。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	fetchTotal     *prometheus.CounterVec
	rateTimeouts   *prometheus.CounterVec
	snapshotErrors *prometheus.CounterVec
	fetchLatency   *prometheus.HistogramVec
	backoff        *prometheus.GaugeVec
	leaderOwned    prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 則使用預設 registry）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_fetch_total",
			Help: "Fetch attempts by outcome",
		}, []string{"exchange", "topic", "result"}),
		rateTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_rate_timeouts_total",
			Help: "Cycles skipped because the rate limit could not be acquired in time",
		}, []string{"scope"}),
		snapshotErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_snapshot_errors_total",
			Help: "Snapshot lines that could not be written",
		}, []string{"exchange", "topic"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_fetch_latency_seconds",
			Help:    "Latency of successful fetches in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"exchange", "topic"}),
		backoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collector_backoff_seconds",
			Help: "Current backoff added to the polling interval",
		}, []string{"exchange", "topic"}),
		leaderOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_leader_owned",
			Help: "1 when this process holds the leader lock",
		}),
	}

	reg.MustRegister(
		c.fetchTotal,
		c.rateTimeouts,
		c.snapshotErrors,
		c.fetchLatency,
		c.backoff,
		c.leaderOwned,
	)
	return c
}

// RecordFetchOK 記錄成功的 fetch 與延遲
func (c *Collector) RecordFetchOK(exchange, topic string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.fetchTotal.WithLabelValues(exchange, topic, "ok").Inc()
	c.fetchLatency.WithLabelValues(exchange, topic).Observe(latencySeconds)
}

// RecordFetchFail 記錄失敗的 fetch
func (c *Collector) RecordFetchFail(exchange, topic string) {
	if c == nil {
		return
	}
	c.fetchTotal.WithLabelValues(exchange, topic, "fail").Inc()
}

// RecordRateTimeout 記錄 rate limit 逾時
func (c *Collector) RecordRateTimeout(scope string) {
	if c == nil {
		return
	}
	c.rateTimeouts.WithLabelValues(scope).Inc()
}

// RecordSnapshotError 記錄快照寫入失敗
func (c *Collector) RecordSnapshotError(exchange, topic string) {
	if c == nil {
		return
	}
	c.snapshotErrors.WithLabelValues(exchange, topic).Inc()
}

// SetBackoff 設置目前退避秒數
func (c *Collector) SetBackoff(exchange, topic string, seconds float64) {
	if c == nil {
		return
	}
	c.backoff.WithLabelValues(exchange, topic).Set(seconds)
}

// SetLeaderOwned 設置 leader 持有狀態
func (c *Collector) SetLeaderOwned(owned bool) {
	if c == nil {
		return
	}
	if owned {
		c.leaderOwned.Set(1)
	} else {
		c.leaderOwned.Set(0)
	}
}

// Handler returns the /metrics handler for g (nil uses the default gatherer).
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer 建立 Prometheus metrics HTTP 伺服器（尚未啟動）
//
// 參數：
//   - port: HTTP 伺服器端口
//   - g: 指標來源
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}
