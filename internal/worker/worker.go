// ============================================================================
// Market-Collector Worker - 收集週期執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 對單一 (exchange, topic) 週期性執行 rate wait → fetch → 記錄
//
// 週期狀態機:
//   RateWait → Fetching → {成功: UpdateOK + SnapshotWrite}
//                         {失敗: UpdateCRIT + BackoffIncrease}
//            → Sleep((interval + backoff) × jitter[0.9, 1.1]) → RateWait
//
// 退避策略:
//   - 第一次失敗 = base (500ms)，之後每次加倍，上限 max (15s)
//   - 任何一次成功立即歸零
//   - jitter 作用在 interval + backoff 的總和上，不單獨作用在 backoff
//
// 錯誤處理:
//   - rate 逾時: 跳過本週期 + collector.rate.timeout 審計，不重試
//   - fetch 失敗: CRIT + cause/notes + retries，驅動退避，迴圈不中止
//   - status flush / snapshot 寫入失敗: 記錄並審計，不往上拋
//
// Leader Lock:
//   UseLeaderLock=true 時 RunForever 在啟動時嘗試一次 Acquire；
//   失敗則送出 collector.worker.leader.busy 並返回 ErrLeaderBusy。
//   之後每 RenewEvery 續約；續約失敗時改嘗試 Acquire，未持有期間暫停週期。
//   Pool 內的 Worker 由 Pool 統一持有 lock，自身不使用。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/market-collector/internal/audit"
	"github.com/ChuLiYu/market-collector/internal/leader"
	"github.com/ChuLiYu/market-collector/internal/metrics"
	"github.com/ChuLiYu/market-collector/internal/rate"
	"github.com/ChuLiYu/market-collector/internal/snapshot"
	"github.com/ChuLiYu/market-collector/internal/status"
	"github.com/ChuLiYu/market-collector/pkg/types"
)

const (
	DefaultInterval    = time.Second
	DefaultRateTimeout = 2 * time.Second
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 15 * time.Second
	DefaultRenewEvery  = 2 * time.Second

	// Source is the status item source written by the worker.
	Source = "worker"

	minSleep   = 50 * time.Millisecond
	feature    = "collector"
	tracerName = "github.com/ChuLiYu/market-collector/internal/worker"
)

var (
	// ErrLeaderBusy 表示另一個 process 持有 leader lock
	ErrLeaderBusy = errors.New("worker: leader lock is held by another process")
	// ErrMissingDependency 表示建構 Worker 時缺少必要元件
	ErrMissingDependency = errors.New("worker: missing dependency")
)

// Outcome is the result of one RunOnce cycle.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeFailed
	OutcomeRateTimeout
	OutcomeCanceled
	OutcomePaused
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeRateTimeout:
		return "rate_timeout"
	case OutcomeCanceled:
		return "canceled"
	case OutcomePaused:
		return "paused"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Config 單一收集工作的參數，零值欄位使用預設值
type Config struct {
	Exchange string
	Topic    string

	// RateName defaults to "<exchange>.<topic>".
	RateName     string
	Capacity     float64
	RefillPerSec float64
	RateTimeout  time.Duration

	Interval    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	UseLeaderLock bool
	RenewEvery    time.Duration
}

func (c *Config) normalize() {
	if c.RateName == "" {
		c.RateName = c.Exchange + "." + c.Topic
	}
	if c.Capacity <= 0 {
		c.Capacity = 1
	}
	if c.RefillPerSec <= 0 {
		c.RefillPerSec = 1
	}
	if c.RateTimeout <= 0 {
		c.RateTimeout = DefaultRateTimeout
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.BaseBackoff {
			c.MaxBackoff = c.BaseBackoff
		}
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = DefaultRenewEvery
	}
}

// Deps 注入 Worker 的協作元件
//
// Rate、Status、Fetcher 為必要；其餘可為 nil。
type Deps struct {
	Fetcher   Fetcher
	Rate      *rate.Registry
	Status    *status.Writer
	Snapshots *snapshot.Sink
	Lock      *leader.Lock
	Audit     audit.Sink
	Metrics   *metrics.Collector
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// Now, Rand and Sleep are overridable for tests.
	Now   func() time.Time
	Rand  func() float64
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Worker 對單一 (exchange, topic) 執行收集迴圈
type Worker struct {
	cfg Config

	fetcher   Fetcher
	rate      *rate.Registry
	status    *status.Writer
	snapshots *snapshot.Sink
	lock      *leader.Lock
	audit     audit.Sink
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *slog.Logger

	now   func() time.Time
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) bool

	// active gates each cycle; Pool sets it to its lock ownership.
	active func() bool

	mu       sync.Mutex
	backoff  time.Duration
	failures int
}

// New 建立 Worker
//
// 參數：
//   - cfg: 收集參數（零值使用預設）
//   - deps: 協作元件
//
// 返回值：
//   - *Worker: Worker 實例
//   - error: 缺少必要元件時返回 ErrMissingDependency
func New(cfg Config, deps Deps) (*Worker, error) {
	if cfg.Exchange == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("%w: exchange and topic are required", ErrMissingDependency)
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("%w: fetcher", ErrMissingDependency)
	}
	if deps.Rate == nil {
		return nil, fmt.Errorf("%w: rate registry", ErrMissingDependency)
	}
	if deps.Status == nil {
		return nil, fmt.Errorf("%w: status writer", ErrMissingDependency)
	}
	if cfg.UseLeaderLock && deps.Lock == nil {
		return nil, fmt.Errorf("%w: leader lock", ErrMissingDependency)
	}
	cfg.normalize()

	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.Float64
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}

	return &Worker{
		cfg:       cfg,
		fetcher:   deps.Fetcher,
		rate:      deps.Rate,
		status:    deps.Status,
		snapshots: deps.Snapshots,
		lock:      deps.Lock,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    deps.Logger.With("component", "worker", "exchange", cfg.Exchange, "topic", cfg.Topic),
		now:       deps.Now,
		rand:      deps.Rand,
		sleep:     deps.Sleep,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Config returns the normalized configuration.
func (w *Worker) Config() Config { return w.cfg }

// Backoff returns the delay added to the next sleep.
func (w *Worker) Backoff() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backoff
}

// Failures returns the number of consecutive failed cycles.
func (w *Worker) Failures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures
}

func (w *Worker) fields() audit.Fields {
	return audit.Fields{"exchange": w.cfg.Exchange, "topic": w.cfg.Topic}
}

// NextBackoff returns the backoff after one more failure.
func NextBackoff(cur, base, max time.Duration) time.Duration {
	next := base
	if cur > 0 {
		next = cur * 2
	}
	if next > max {
		next = max
	}
	return next
}

// ============================================================================
// 單一週期
// ============================================================================

// RunOnce 執行一次 rate wait → fetch → 記錄
//
// 所屬 Pool 未持有 leader lock 時不抓取，返回 OutcomePaused。
func (w *Worker) RunOnce(ctx context.Context) Outcome {
	if w.active != nil && !w.active() {
		w.logger.Debug("not leader, cycle paused")
		return OutcomePaused
	}

	ctx, span := w.tracer.Start(ctx, "collector.cycle", trace.WithAttributes(
		attribute.String("exchange", w.cfg.Exchange),
		attribute.String("topic", w.cfg.Topic),
	))
	defer span.End()

	err := w.rate.Acquire(ctx, w.cfg.RateName, 1, w.cfg.RateTimeout, w.cfg.Capacity, w.cfg.RefillPerSec)
	if err != nil {
		if !errors.Is(err, rate.ErrRateLimitTimeout) {
			return OutcomeCanceled
		}
		f := w.fields()
		f["rate"] = w.cfg.RateName
		audit.Emit(w.audit, "collector.rate.timeout", feature, audit.LevelError, f)
		w.metrics.RecordRateTimeout(w.cfg.RateName)
		w.logger.Warn("rate limit wait timed out, skipping cycle", "rate", w.cfg.RateName)
		span.SetAttributes(attribute.Bool("rate.timeout", true))
		return OutcomeRateTimeout
	}

	start := w.now()
	result, err := w.fetch(ctx)
	latency := w.now().Sub(start)

	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, CauseOf(err))
		w.onFailure(err)
		return OutcomeFailed
	}
	w.onSuccess(result, latency)
	return OutcomeOK
}

func (w *Worker) fetch(ctx context.Context) (result any, err error) {
	ctx, span := w.tracer.Start(ctx, "collector.fetch")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = Failure("panic", fmt.Errorf("fetch panicked: %v", r))
		}
	}()
	return w.fetcher.Fetch(ctx)
}

func (w *Worker) onSuccess(result any, latency time.Duration) {
	summary := snapshot.Summarize(result)
	if w.snapshots != nil {
		if _, err := w.snapshots.Write(w.cfg.Exchange, w.cfg.Topic, summary); err != nil {
			w.logger.Warn("snapshot write failed", "error", err)
			f := w.fields()
			f["error"] = err.Error()
			audit.Emit(w.audit, "collector.file.write.fail", feature, audit.LevelWarn, f)
			w.metrics.RecordSnapshotError(w.cfg.Exchange, w.cfg.Topic)
		}
	}

	w.status.Update(w.cfg.Exchange, w.cfg.Topic, status.Update{
		OK:      types.BoolPtr(true),
		LastISO: types.StringPtr(w.now().UTC().Format(status.ISOLayout)),
		Retries: types.IntPtr(0),
		Notes:   types.StringPtr("ok"),
		Source:  Source,
	})
	w.flushStatus()

	rows := snapshot.Rows(summary)
	f := w.fields()
	f["latency_ms"] = latency.Milliseconds()
	f["rows"] = rows
	f["sample"] = result != nil
	audit.Emit(w.audit, "collector.fetch.ok", feature, audit.LevelInfo, f)

	w.mu.Lock()
	w.backoff = 0
	w.failures = 0
	w.mu.Unlock()

	w.metrics.RecordFetchOK(w.cfg.Exchange, w.cfg.Topic, latency.Seconds())
	w.metrics.SetBackoff(w.cfg.Exchange, w.cfg.Topic, 0)
	w.logger.Debug("fetch ok", "latency_ms", latency.Milliseconds(), "rows", rows)
}

func (w *Worker) onFailure(err error) {
	cause := CauseOf(err)

	w.mu.Lock()
	w.failures++
	retries := w.failures
	w.backoff = NextBackoff(w.backoff, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
	backoff := w.backoff
	w.mu.Unlock()

	w.status.Update(w.cfg.Exchange, w.cfg.Topic, status.Update{
		OK:      types.BoolPtr(false),
		Cause:   types.StringPtr(cause),
		Notes:   types.StringPtr(err.Error()),
		Retries: types.IntPtr(retries),
		Source:  Source,
	})
	w.flushStatus()

	f := w.fields()
	f["cause"] = cause
	f["error"] = err.Error()
	audit.Emit(w.audit, "collector.fetch.fail", feature, audit.LevelError, f)

	f = w.fields()
	f["cause"] = cause
	f["retries"] = retries
	f["backoff_ms"] = backoff.Milliseconds()
	audit.Emit(w.audit, "collector.fetch.retry", feature, audit.LevelWarn, f)

	w.metrics.RecordFetchFail(w.cfg.Exchange, w.cfg.Topic)
	w.metrics.SetBackoff(w.cfg.Exchange, w.cfg.Topic, backoff.Seconds())
	w.logger.Warn("fetch failed", "cause", cause, "error", err, "retries", retries, "backoff", backoff)
}

func (w *Worker) flushStatus() {
	if _, err := w.status.Flush(); err != nil {
		w.logger.Error("status flush failed", "error", err)
		f := w.fields()
		f["error"] = err.Error()
		audit.Emit(w.audit, "collector.status.flush.fail", feature, audit.LevelError, f)
	}
}

// ============================================================================
// 主迴圈
// ============================================================================

// SleepDuration returns (interval + backoff) × jitter, jitter uniform in
// [0.9, 1.1], never below 50ms.
func (w *Worker) SleepDuration(interval time.Duration) time.Duration {
	jitter := 0.9 + 0.2*w.rand()
	d := time.Duration(float64(interval+w.Backoff()) * jitter)
	if d < minSleep {
		d = minSleep
	}
	return d
}

// RunForever 重複執行 RunOnce 直到 ctx 結束或執行滿 stopAfter 次
//
// 參數：
//   - ctx: 取消時在週期之間或睡眠中結束迴圈
//   - interval: 週期間隔（<=0 使用 Config.Interval）
//   - stopAfter: 週期上限，<=0 表示不限
//
// 返回值：
//   - error: leader lock 被他人持有時返回 ErrLeaderBusy，否則 nil
func (w *Worker) RunForever(ctx context.Context, interval time.Duration, stopAfter int) error {
	if interval <= 0 {
		interval = w.cfg.Interval
	}

	if w.cfg.UseLeaderLock {
		if !w.lock.Acquire() {
			audit.Emit(w.audit, "collector.worker.leader.busy", feature, audit.LevelError, w.fields())
			w.logger.Info("leader lock busy, not starting", "lock", w.lock.Path())
			return ErrLeaderBusy
		}
		w.metrics.SetLeaderOwned(true)
	}

	f := w.fields()
	f["interval_ms"] = interval.Milliseconds()
	audit.Emit(w.audit, "collector.worker.start", feature, audit.LevelInfo, f)
	w.logger.Info("worker started", "interval", interval, "stop_after", stopAfter)

	count := 0
	defer func() {
		f := w.fields()
		f["count"] = count
		audit.Emit(w.audit, "collector.worker.stop", feature, audit.LevelInfo, f)
		if w.cfg.UseLeaderLock {
			w.lock.Release()
			w.metrics.SetLeaderOwned(false)
		}
		w.logger.Info("worker stopped", "count", count)
	}()

	owned := true
	lastRenew := w.now()
	for ctx.Err() == nil {
		if owned {
			w.RunOnce(ctx)
		}

		if w.cfg.UseLeaderLock && w.now().Sub(lastRenew) >= w.cfg.RenewEvery {
			ok := w.lock.Renew()
			if !ok {
				ok = w.lock.Acquire()
			}
			switch {
			case !ok && owned:
				w.logger.Warn("leader lock renew failed, pausing cycles")
				audit.Emit(w.audit, "collector.worker.renew.fail", feature, audit.LevelError, w.fields())
			case ok && !owned:
				w.logger.Info("leader lock regained, resuming cycles")
			}
			if ok != owned {
				w.metrics.SetLeaderOwned(ok)
			}
			owned = ok
			lastRenew = w.now()
		}

		count++
		if stopAfter > 0 && count >= stopAfter {
			break
		}
		if !w.sleep(ctx, w.SleepDuration(interval)) {
			break
		}
	}
	return nil
}
