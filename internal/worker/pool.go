// ============================================================================
// Market-Collector Worker Pool - 多工作並行執行器
// ============================================================================
//
// Package: internal/worker
// 文件: pool.go
// 功能: 在同一個 process 內並行執行多個 (exchange, topic) Worker
//
// 架構組件:
//   ┌──────────────────────────────┐
//   │ Pool                         │
//   │  ├─ leader.Lock (單一角色)    │──→ <data_root>/locks/<name>.leader.json
//   │  ├─ leader.Heartbeat         │──→ status.SetLeader + Flush
//   │  ├─ Worker bitflyer/trades   │
//   │  └─ Worker bitflyer/board    │──→ status.json / snapshots
//   └──────────────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Add(w) - 加入 Worker（必須在 Start 之前）
//   3. Start(ctx, stopAfter) - 取得 leader lock，啟動 heartbeat 與所有 Worker
//   4. Wait() - 等待所有 Worker 結束，停止 heartbeat 並釋放 lock
//   5. Stop() - 取消所有 Worker 並等待
//
// Leader Lock:
//   同一 process 的多個 Worker 若各自持有 lock 會互相搶同一個檔案，
//   因此由 Pool 持有唯一的 lock，Worker 以 UseLeaderLock=false 執行。
//   heartbeat 失去 lock 後 Worker 暫停 (OutcomePaused) 並清除 status 中的
//   leader；重新取得後恢復並再次發布 leader。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/market-collector/internal/audit"
	"github.com/ChuLiYu/market-collector/internal/leader"
	"github.com/ChuLiYu/market-collector/internal/metrics"
	"github.com/ChuLiYu/market-collector/internal/status"
	"github.com/ChuLiYu/market-collector/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動，無法再加入 Worker 或重複啟動
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrWorkerOwnsLock 表示 Worker 自己設定了 UseLeaderLock
	ErrWorkerOwnsLock = errors.New("worker in a pool must not use its own leader lock")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// PoolOptions 設定 Pool 的協作元件；皆可為 nil
type PoolOptions struct {
	Lock              *leader.Lock
	HeartbeatInterval time.Duration
	Status            *status.Writer
	Audit             audit.Sink
	Metrics           *metrics.Collector
	Logger            *slog.Logger
}

// Pool 管理多個並行的 Worker
type Pool struct {
	workers []*Worker
	lock    *leader.Lock
	beat    time.Duration
	status  *status.Writer
	audit   audit.Sink
	metrics *metrics.Collector
	logger  *slog.Logger

	owned   atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	hbDone  chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewPool 建立新的 Worker Pool
func NewPool(opts PoolOptions) *Pool {
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		workers: make([]*Worker, 0),
		lock:    opts.Lock,
		beat:    opts.HeartbeatInterval,
		status:  opts.Status,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "pool"),
	}
}

// Add 加入 Worker
//
// 返回值：
//   - error: Pool 已啟動/已關閉，或 Worker 自行持有 lock
func (p *Pool) Add(w *Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	if w.cfg.UseLeaderLock {
		return ErrWorkerOwnsLock
	}
	if p.lock != nil {
		w.active = p.owned.Load
	}
	p.workers = append(p.workers, w)
	return nil
}

// Workers returns the workers added so far.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Start 取得 leader lock 並啟動 heartbeat 與所有 Worker
//
// 參數：
//   - ctx: 取消時所有 Worker 結束
//   - stopAfter: 每個 Worker 的週期上限，<=0 表示不限
//
// 返回值：
//   - error: ErrPoolStarted / ErrPoolClosed，或 lock 被他人持有時 ErrLeaderBusy
func (p *Pool) Start(ctx context.Context, stopAfter int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	if p.lock != nil {
		if !p.lock.Acquire() {
			audit.Emit(p.audit, "collector.worker.leader.busy", feature, audit.LevelError, audit.Fields{
				"lock": p.lock.Path(),
			})
			p.logger.Info("leader lock busy, pool not started", "lock", p.lock.Path())
			return ErrLeaderBusy
		}
		p.owned.Store(true)
		p.publishLeader(true, p.lock.Record())
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if p.lock != nil {
		p.hbDone = make(chan struct{})
		go func() {
			defer close(p.hbDone)
			leader.Heartbeat(runCtx, p.lock, p.beat, p.publishLeader)
		}()
	}

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.RunForever(runCtx, w.cfg.Interval, stopAfter)
		}(w)
	}

	p.started = true
	p.logger.Info("pool started", "workers", len(p.workers))
	return nil
}

// publishLeader 記錄 lock 持有狀態；持有時寫入 leader，失去時只清除記憶體中的
// leader，不覆寫目前持有者的 status.json
func (p *Pool) publishLeader(owned bool, rec types.LeaderRecord) {
	was := p.owned.Swap(owned)
	p.metrics.SetLeaderOwned(owned)

	switch {
	case was && !owned:
		p.logger.Warn("leader lock lost, pausing workers", "lock", p.lock.Path())
	case !was && owned:
		p.logger.Info("leader lock regained, resuming workers", "lock", p.lock.Path())
	}

	if p.status == nil {
		return
	}
	if !owned {
		p.status.ClearLeader()
		return
	}
	p.status.SetLeader(rec)
	if _, err := p.status.Flush(); err != nil {
		p.logger.Error("status flush failed", "error", err)
	}
}

// Wait 等待所有 Worker 結束，接著停止 heartbeat 並釋放 lock
func (p *Pool) Wait() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.shutdown()
}

func (p *Pool) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true

	p.cancel()
	if p.hbDone != nil {
		<-p.hbDone
	}
	if p.lock != nil {
		p.lock.Release()
		p.owned.Store(false)
		p.metrics.SetLeaderOwned(false)
	}
	p.logger.Info("pool stopped")
}

// Stop 取消所有 Worker 並等待結束
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.Wait()
}

// Run is Start followed by Wait.
func (p *Pool) Run(ctx context.Context, stopAfter int) error {
	if err := p.Start(ctx, stopAfter); err != nil {
		return err
	}
	p.Wait()
	return nil
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsLeader reports whether the pool currently owns the leader lock.
func (p *Pool) IsLeader() bool {
	return p.owned.Load()
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
