package snapshot

// ============================================================================
// 職責說明：
// 1. 將每次收集週期的摘要追加到日期分割的 JSONL 檔
//    collector/<exchange>/<topic>/<YYYYMMDD>.jsonl
// 2. 透過 StorageRouter 寫入 data domain（primary 不可用時自動切換）
// 3. 寫入後不可修改；只追加，沒有壓縮或刪除
// ============================================================================

import (
	"fmt"
	"path"
	"time"

	"github.com/ChuLiYu/market-collector/internal/storage"
)

// TimestampLayout is the "ts" layout of each snapshot line.
const TimestampLayout = "2006-01-02T15:04:05"

// Appender is the part of storage.Router the sink needs.
type Appender interface {
	AppendJSONL(d storage.Domain, rel string, obj any) (string, error)
}

// Options configures a Sink.
type Options struct {
	// UseLocalTime partitions files by local date instead of UTC.
	UseLocalTime bool
	Now          func() time.Time
}

// Sink appends snapshot lines.
type Sink struct {
	out          Appender
	useLocalTime bool
	now          func() time.Time
}

// NewSink 建立快照 sink
func NewSink(out Appender, opts Options) *Sink {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sink{out: out, useLocalTime: opts.UseLocalTime, now: opts.Now}
}

// RelPath returns the data-relative file for (exchange, topic) on the date of t.
func RelPath(exchange, topic string, t time.Time) string {
	return path.Join("collector", exchange, topic, t.Format("20060102")+".jsonl")
}

// Write appends one line {ts, exchange, topic, ...summary}. The ts/exchange/
// topic keys always reflect the call, even if summary carries the same keys.
func (s *Sink) Write(exchange, topic string, summary map[string]any) (string, error) {
	now := s.now()
	day := now.UTC()
	if s.useLocalTime {
		day = now.Local()
	}

	line := make(map[string]any, len(summary)+3)
	for k, v := range summary {
		line[k] = v
	}
	line["ts"] = now.UTC().Format(TimestampLayout)
	line["exchange"] = exchange
	line["topic"] = topic

	p, err := s.out.AppendJSONL(storage.DomainData, RelPath(exchange, topic, day), line)
	if err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return p, nil
}
