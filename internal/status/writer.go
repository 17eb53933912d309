// ============================================================================
// Market-Collector Status Writer - 健康狀態文件
// ============================================================================
//
// Package: internal/status
// 文件: writer.go
// 功能: 維護每個 (exchange, topic) 的健康紀錄，並原子性寫入 status.json
//
// 檔案位置:
//   <data_root>/collector/status.json
//   外部 UI 直接讀取此檔，JSON 結構必須保持相容。
//   設定 Options.Root 時 data_root 在每次 Flush 重新解析。
//
// 狀態規則 (Update):
//   - ok=true  → OK
//   - ok=false → CRIT
//   - 只有 cause（沒有 ok=false）→ OK 升級為 WARN；CRIT 不會被降回 WARN
//   - retries / notes 有給就直接覆蓋（不累加）
//
// 重啟恢復:
//   建構時載入既有 status.json，讓歷史在 process 重啟後仍然存在。
//   檔案損壞或 schema 版本不認得時，從空白狀態開始，不讓啟動失敗。
//
// ============================================================================

package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/ChuLiYu/market-collector/internal/audit"
	"github.com/ChuLiYu/market-collector/internal/storage"
	"github.com/ChuLiYu/market-collector/pkg/types"
)

// ISOLayout is the timestamp layout used in status.json.
const ISOLayout = "2006-01-02T15:04:05Z"

// DefaultSource is recorded when Update is given no source.
const DefaultSource = "status"

// ErrIncompatibleVersion is returned by Load for an unknown schema version.
var ErrIncompatibleVersion = errors.New("status: schema version is incompatible")

// RelPath is the status document location relative to the data root.
var RelPath = filepath.Join("collector", "status.json")

type key struct {
	exchange string
	topic    string
}

// Update carries the optional fields of one status update.
type Update struct {
	OK      *bool
	LastISO *string
	Retries *int
	Cause   *string
	Notes   *string
	Source  string
}

// Options configures a Writer.
type Options struct {
	// Root resolves the data root on every Flush so status.json follows
	// storage fallback. Nil pins the file under the dataRoot given to NewWriter.
	Root func() (string, error)

	Now    func() time.Time
	Audit  audit.Sink
	Logger *slog.Logger
}

// Writer holds the in-memory status table. Safe for concurrent use.
type Writer struct {
	dataRoot string
	root     func() (string, error)
	now      func() time.Time
	audit    audit.Sink
	logger   *slog.Logger

	// flushMu orders whole flushes so an older document never lands last.
	flushMu sync.Mutex

	mu      sync.Mutex
	path    string // last resolved status.json path
	items   map[key]types.StatusItem
	leader  *types.LeaderRecord
	storage *types.StorageMeta
}

// NewWriter 建立 Writer 並載入既有的 status.json
func NewWriter(dataRoot string, opts Options) (*Writer, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	path := filepath.Join(dataRoot, RelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create status dir: %w", err)
	}

	w := &Writer{
		dataRoot: dataRoot,
		root:     opts.Root,
		path:     path,
		now:      opts.Now,
		audit:    opts.Audit,
		logger:   opts.Logger.With("component", "status"),
		items:    make(map[key]types.StatusItem),
	}
	w.path = w.resolvePath()
	w.loadIfExists(w.path)
	return w, nil
}

// Path returns the status.json path used by the last Flush (or the load).
func (w *Writer) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// resolvePath returns <root>/collector/status.json for the current data root.
func (w *Writer) resolvePath() string {
	root := w.dataRoot
	if w.root != nil {
		r, err := w.root()
		switch {
		case err != nil:
			w.logger.Warn("data root unresolved, using initial root", "root", root, "error", err)
		case r != "":
			root = r
		}
	}
	return filepath.Join(root, RelPath)
}

func (w *Writer) loadIfExists(path string) {
	doc, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("ignoring unreadable status file", "path", path, "error", err)
		}
		return
	}
	for _, it := range doc.Items {
		if it.Status == "" {
			it.Status = types.StatusOK
		}
		if it.Source == "" {
			it.Source = DefaultSource
		}
		w.items[key{it.Exchange, it.Topic}] = it
	}
	w.leader = doc.Leader
	w.storage = doc.Storage
}

// Load reads a status document from path.
func Load(path string) (types.StatusDocument, error) {
	var doc types.StatusDocument
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.StatusDocument{}, fmt.Errorf("failed to parse status file: %w", err)
	}
	if doc.SchemaVersion > types.StatusSchemaVersion {
		return types.StatusDocument{}, fmt.Errorf("%w: got %d, want <= %d",
			ErrIncompatibleVersion, doc.SchemaVersion, types.StatusSchemaVersion)
	}
	return doc, nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Update upserts the item for (exchange, topic).
func (w *Writer) Update(exchange, topic string, u Update) {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := key{exchange, topic}
	item, ok := w.items[k]
	if !ok {
		item = types.StatusItem{Exchange: exchange, Topic: topic, Status: types.StatusOK}
	}

	if u.LastISO != nil {
		item.LastISO = clonePtr(u.LastISO)
	}
	if u.OK != nil {
		if *u.OK {
			item.Status = types.StatusOK
		} else {
			item.Status = types.StatusCrit
		}
	}
	if u.Cause != nil && *u.Cause != "" {
		item.Cause = clonePtr(u.Cause)
		if item.Status == types.StatusOK {
			item.Status = types.StatusWarn
		}
	}
	if u.Retries != nil {
		item.Retries = clonePtr(u.Retries)
	}
	if u.Notes != nil {
		item.Notes = clonePtr(u.Notes)
	}
	if u.Source != "" {
		item.Source = u.Source
	} else {
		item.Source = DefaultSource
	}

	w.items[k] = item
}

// SetLeader replaces the leader record attached to the document.
func (w *Writer) SetLeader(rec types.LeaderRecord) {
	w.mu.Lock()
	w.leader = &rec
	w.mu.Unlock()
}

// ClearLeader drops the leader record from the document.
func (w *Writer) ClearLeader() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.leader = nil
}

// SetStorage replaces the storage metadata attached to the document.
func (w *Writer) SetStorage(meta types.StorageMeta) {
	w.mu.Lock()
	w.storage = &meta
	w.mu.Unlock()
}

// Item returns a copy of the item for (exchange, topic).
func (w *Writer) Item(exchange, topic string) (types.StatusItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	it, ok := w.items[key{exchange, topic}]
	return it, ok
}

// Items returns all items ordered by exchange then topic.
func (w *Writer) Items() []types.StatusItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sortedLocked()
}

func (w *Writer) sortedLocked() []types.StatusItem {
	out := make([]types.StatusItem, 0, len(w.items))
	for _, it := range w.items {
		out = append(out, it)
	}
	SortItems(out)
	return out
}

// SortItems orders items by exchange, then topic.
func SortItems(items []types.StatusItem) {
	slices.SortFunc(items, func(a, b types.StatusItem) int {
		if c := strings.Compare(a.Exchange, b.Exchange); c != 0 {
			return c
		}
		return strings.Compare(a.Topic, b.Topic)
	})
}

// Document builds the document Flush would write.
func (w *Writer) Document() types.StatusDocument {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.documentLocked()
}

func (w *Writer) documentLocked() types.StatusDocument {
	return types.StatusDocument{
		SchemaVersion: types.StatusSchemaVersion,
		Items:         w.sortedLocked(),
		Leader:        clonePtr(w.leader),
		Storage:       clonePtr(w.storage),
		UpdatedAt:     w.now().UTC().Format(ISOLayout),
	}
}

// Flush 原子性寫入 status.json
//
// 每次 Flush 重新解析 data root（跟隨 storage fallback）。整個 Flush 互斥，
// 先取快照的文件一定先寫入。寫入成功後送出 collector.status.update 審計事件；
// 審計失敗不影響 Flush。
func (w *Writer) Flush() (string, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	doc := w.documentLocked()
	w.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal status: %w", err)
	}

	path := w.resolvePath()
	if err := storage.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return "", err
	}

	w.mu.Lock()
	w.path = path
	w.mu.Unlock()

	audit.Emit(w.audit, "collector.status.update", "collector", audit.LevelInfo, audit.Fields{
		"items": len(doc.Items),
		"path":  path,
	})
	return path, nil
}
