// ============================================================================
// Market-Collector Leader Lock - 單一寫入者選舉
// ============================================================================
//
// Package: internal/leader
// 文件: lock.go
// 功能: 以 <data_root>/locks/<name>.leader.json 實現「同一角色只有一個 worker 活躍」
//
// 狀態機:
//   Unowned ──Acquire()──> Owned(self) ──Renew()──> Owned(self, renewed)
//      ↑                        │                          │
//      └──── stale takeover ────┴──────── Release() ───────┘
//
// 紀錄格式:
//   {"host": "...", "pid": 123, "started_ms": ..., "heartbeat_ms": ...}
//   每次修改都經過 temp file + fsync + rename。
//
// 取得流程:
//   1. 讀取現有紀錄（讀取/解析失敗一律視為沒有紀錄）
//   2. 沒有紀錄或 heartbeat 已過期 → 寫入自己的紀錄
//   3. 重新讀取，確認 (host, pid) 是自己才算取得
//      兩個 process 同時搶奪時只有最後寫入者的紀錄存活，
//      若不重讀，雙方都會以為自己成功。
//
// 限制:
//   這是 NAS/NFS 上的 advisory lock，沒有 fencing token。
//   網路分區或主機時鐘偏移時可能短暫出現雙重持有。
//
// ============================================================================

package leader

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/market-collector/internal/audit"
	"github.com/ChuLiYu/market-collector/internal/storage"
	"github.com/ChuLiYu/market-collector/pkg/types"
)

const (
	// DefaultName is the lock role used by the collector.
	DefaultName = "collector"
	// DefaultStaleAfter is how long a heartbeat stays fresh.
	DefaultStaleAfter = 30 * time.Second

	feature = "collector"
)

// Options configures a Lock. Zero values pick the defaults.
type Options struct {
	Name       string
	StaleAfter time.Duration

	// Root resolves the data root before every lock operation, so the lock
	// follows storage fallback. Nil pins the lock under the dataRoot given to New.
	Root func() (string, error)

	// Host and PID override the process identity (tests, multiple roles).
	Host string
	PID  int

	Now    func() time.Time
	Audit  audit.Sink
	Logger *slog.Logger
}

// Lock is a file-based advisory leader lock.
type Lock struct {
	dataRoot   string
	file       string
	root       func() (string, error)
	host       string
	pid        int
	startedMs  int64
	staleAfter time.Duration
	now        func() time.Time
	audit      audit.Sink
	logger     *slog.Logger

	mu    sync.Mutex
	owned bool
	held  string // path of the record this process last wrote as owner
}

// New 建立 Lock，並確保 <dataRoot>/locks 目錄存在
//
// 參數：
//   - dataRoot: data 根目錄；設定 Options.Root 時只在解析失敗時使用
//   - opts: 身分、過期時間與協作元件
func New(dataRoot string, opts Options) (*Lock, error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		opts.Host = host
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	lockDir := filepath.Join(dataRoot, "locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}

	return &Lock{
		dataRoot:   dataRoot,
		file:       opts.Name + ".leader.json",
		root:       opts.Root,
		host:       opts.Host,
		pid:        opts.PID,
		startedMs:  opts.Now().UnixMilli(),
		staleAfter: opts.StaleAfter,
		now:        opts.Now,
		audit:      opts.Audit,
		logger:     opts.Logger.With("component", "leader", "name", opts.Name),
	}, nil
}

// Path returns the lock file path under the current data root.
func (l *Lock) Path() string {
	root := l.dataRoot
	if l.root != nil {
		r, err := l.root()
		switch {
		case err != nil:
			l.logger.Warn("data root unresolved, using initial root", "root", root, "error", err)
		case r != "":
			root = r
		}
	}
	return filepath.Join(root, "locks", l.file)
}

// Host returns the identity host.
func (l *Lock) Host() string { return l.host }

// PID returns the identity pid.
func (l *Lock) PID() int { return l.pid }

// StaleAfter returns the staleness tolerance.
func (l *Lock) StaleAfter() time.Duration { return l.staleAfter }

func (l *Lock) nowMs() int64 { return l.now().UnixMilli() }

func (l *Lock) fields(path string) audit.Fields {
	return audit.Fields{"host": l.host, "pid": l.pid, "path": path}
}

// Record returns this process's record stamped with the current time.
func (l *Lock) Record() types.LeaderRecord {
	return types.LeaderRecord{
		Host:        l.host,
		PID:         l.pid,
		StartedMs:   l.startedMs,
		HeartbeatMs: l.nowMs(),
	}
}

// Read returns the record on disk, or nil when it is absent or unreadable.
func (l *Lock) Read() *types.LeaderRecord {
	return l.readAt(l.Path())
}

func (l *Lock) readAt(path string) *types.LeaderRecord {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.readFailed(path, err)
		}
		return nil
	}
	var rec types.LeaderRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		l.readFailed(path, err)
		return nil
	}
	return &rec
}

func (l *Lock) readFailed(path string, err error) {
	f := l.fields(path)
	f["error"] = err.Error()
	audit.Emit(l.audit, "collector.leader.read.fail", feature, audit.LevelError, f)
}

// IsStale reports whether rec's heartbeat is older than the tolerance.
func (l *Lock) IsStale(rec *types.LeaderRecord) bool {
	return l.nowMs()-rec.HeartbeatMs > l.staleAfter.Milliseconds()
}

func (l *Lock) write(path string, rec types.LeaderRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// IsOwned reports whether this process holds the lock according to the file.
func (l *Lock) IsOwned() bool {
	l.mu.Lock()
	owned := l.owned
	l.mu.Unlock()
	if !owned {
		return false
	}
	return l.Read().SameOwner(l.host, l.pid)
}

// Acquire 嘗試成為 leader
//
// 返回值：
//   - true: 已寫入並經重讀確認自己是持有者
//   - false: 現有持有者仍然存活，或搶奪時輸掉競爭
func (l *Lock) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.Path()
	prev := l.readAt(path)
	if prev != nil && !l.IsStale(prev) {
		return false
	}

	if err := l.write(path, l.Record()); err != nil {
		f := l.fields(path)
		f["error"] = err.Error()
		audit.Emit(l.audit, "collector.leader.acquire.fail", feature, audit.LevelError, f)
		return false
	}

	l.owned = l.readAt(path).SameOwner(l.host, l.pid)
	if l.owned {
		l.held = path
		f := l.fields(path)
		if prev != nil {
			f["takeover_from"] = fmt.Sprintf("%s/%d", prev.Host, prev.PID)
		}
		audit.Emit(l.audit, "collector.leader.acquire", feature, audit.LevelInfo, f)
		l.logger.Info("leader lock acquired", "path", path)
	} else {
		f := l.fields(path)
		if prev != nil {
			f["prev_host"] = prev.Host
			f["prev_pid"] = prev.PID
		}
		audit.Emit(l.audit, "collector.leader.acquire.race", feature, audit.LevelError, f)
		l.logger.Warn("lost leader acquire race", "path", path)
	}
	return l.owned
}

// Renew refreshes heartbeat_ms. It returns false without writing when the
// record on disk belongs to someone else.
func (l *Lock) Renew() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.Path()
	rec := l.readAt(path)
	if !rec.SameOwner(l.host, l.pid) {
		if l.owned {
			l.logger.Warn("leader lock lost", "path", path)
		}
		l.owned = false
		return false
	}

	rec.HeartbeatMs = l.nowMs()
	if err := l.write(path, *rec); err != nil {
		f := l.fields(path)
		f["error"] = err.Error()
		audit.Emit(l.audit, "collector.leader.renew.fail", feature, audit.LevelError, f)
		return false
	}
	l.owned = true
	l.held = path
	return true
}

// Release 若自己是持有者則刪除 lock 檔，否則不做任何事
func (l *Lock) Release() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.held
	if path == "" {
		path = l.Path()
	}
	if !l.readAt(path).SameOwner(l.host, l.pid) {
		l.owned = false
		return false
	}

	if err := os.Remove(path); err != nil {
		f := l.fields(path)
		f["error"] = err.Error()
		audit.Emit(l.audit, "collector.leader.release.fail", feature, audit.LevelError, f)
		return false
	}
	l.owned = false
	l.held = ""
	audit.Emit(l.audit, "collector.leader.release", feature, audit.LevelInfo, l.fields(path))
	l.logger.Info("leader lock released", "path", path)
	return true
}
