// ============================================================================
// Market-Collector Storage Router
// ============================================================================
//
// Package: internal/storage
// File: router.go
// Purpose: Route writes for a logical domain ("logs" / "data") to the primary
//          root when it is writable, otherwise to a local secondary root
//
// Layout:
//   primary:   configured per domain (usually a NAS share)
//   secondary: <secondary_root>/<domain>   (local disk)
//
// Probe:
//   Before every write the primary root is probed by creating, fsyncing and
//   deleting a small temp file. There is no cached "down" state, so a primary
//   that comes back is used again on the very next write.
//
// Write primitives:
//   - AppendJSONL:     one compact JSON object per line, append + fsync
//   - WriteAtomicCSV:  temp file in the target dir + fsync + rename
//
// Error Handling:
//   - Primary unavailable: silently use the secondary root
//   - Relative path leaving the root: ErrPathEscape, nothing is written
//   - Secondary write failure: returned to the caller
//
// ============================================================================

package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/market-collector/pkg/types"
)

// Domain is a logical storage area.
type Domain string

const (
	DomainLogs Domain = "logs"
	DomainData Domain = "data"
)

// Config holds the router roots.
type Config struct {
	LogsRoot      string // primary root for DomainLogs
	DataRoot      string // primary root for DomainData
	SecondaryRoot string // fallback base; the domain name is appended
}

// Router resolves domains to physical roots.
type Router struct {
	primary   map[Domain]string
	secondary string
	logger    *slog.Logger

	mu     sync.Mutex
	lastOK map[Domain]bool // last probe result, only used to log transitions
}

// NewRouter 建立 Router 並預先建立 secondary 目錄
func NewRouter(cfg Config, logger *slog.Logger) (*Router, error) {
	if cfg.SecondaryRoot == "" {
		return nil, fmt.Errorf("storage: secondary root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		primary: map[Domain]string{
			DomainLogs: cfg.LogsRoot,
			DomainData: cfg.DataRoot,
		},
		secondary: cfg.SecondaryRoot,
		logger:    logger.With("component", "storage"),
		lastOK:    make(map[Domain]bool),
	}

	for _, d := range []Domain{DomainLogs, DomainData} {
		if err := os.MkdirAll(r.secondaryRoot(d), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create secondary root for %s: %w", d, err)
		}
	}
	return r, nil
}

func (r *Router) secondaryRoot(d Domain) string {
	return filepath.Join(r.secondary, string(d))
}

func (r *Router) primaryRoot(d Domain) (string, error) {
	root, ok := r.primary[d]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, d)
	}
	return root, nil
}

// IsPrimaryAvailable probes the primary root of d. It creates the root if
// absent and writes/removes a probe file; any I/O failure yields false.
func (r *Router) IsPrimaryAvailable(d Domain) bool {
	root, err := r.primaryRoot(d)
	if err != nil || root == "" {
		return false
	}

	ok := probe(root) == nil

	r.mu.Lock()
	prev, seen := r.lastOK[d]
	r.lastOK[d] = ok
	r.mu.Unlock()

	if seen && prev != ok {
		if ok {
			r.logger.Info("primary storage is back", "domain", d, "root", root)
		} else {
			r.logger.Warn("primary storage unavailable, using secondary", "domain", d, "root", root)
		}
	}
	return ok
}

func probe(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(root, "probe_*.tmp")
	if err != nil {
		return err
	}
	name := f.Name()
	defer os.Remove(name)

	if _, err := f.WriteString(strconv.FormatInt(time.Now().UnixNano(), 10)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// CurrentRoot returns the root writes for d would go to right now.
func (r *Router) CurrentRoot(d Domain) (string, error) {
	if _, err := r.primaryRoot(d); err != nil {
		return "", err
	}
	if r.IsPrimaryAvailable(d) {
		return r.primary[d], nil
	}
	return r.secondaryRoot(d), nil
}

// Meta reports the current roots and whether both primaries are writable.
func (r *Router) Meta() types.StorageMeta {
	logsRoot, _ := r.CurrentRoot(DomainLogs)
	dataRoot, _ := r.CurrentRoot(DomainData)
	return types.StorageMeta{
		LogsRoot:  logsRoot,
		DataRoot:  dataRoot,
		PrimaryOK: r.IsPrimaryAvailable(DomainLogs) && r.IsPrimaryAvailable(DomainData),
	}
}

// SafeJoin joins rel onto base and rejects absolute paths and any path that
// resolves outside base.
func SafeJoin(base, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base %s: %w", base, err)
	}
	target := filepath.Join(absBase, rel)
	within, err := filepath.Rel(absBase, target)
	if err != nil || within == "." || within == ".." ||
		strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return target, nil
}

func (r *Router) resolve(d Domain, rel string) (string, error) {
	root, err := r.CurrentRoot(d)
	if err != nil {
		return "", err
	}
	return SafeJoin(root, rel)
}

// AppendJSONL 追加一行 JSON 到 domain 下的相對路徑
//
// 返回值：
//   - string: 實際寫入的絕對路徑
//   - error: 路徑逃逸或 secondary 寫入失敗
func (r *Router) AppendJSONL(d Domain, rel string, obj any) (string, error) {
	path, err := r.resolve(d, rel)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil { // Encode terminates the line
		return "", fmt.Errorf("failed to marshal jsonl record: %w", err)
	}

	if err := AppendLine(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// WriteAtomicCSV 以原子性替換方式寫入 CSV（LF 換行）
func (r *Router) WriteAtomicCSV(d Domain, rel string, rows [][]string) (string, error) {
	path, err := r.resolve(d, rel)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return "", fmt.Errorf("failed to encode csv: %w", err)
	}

	if err := WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
