// ============================================================================
// Market-Collector Audit Events
// ============================================================================
//
// Package: internal/audit
// File: audit.go
// Purpose: Fire-and-forget audit trail for collector lifecycle transitions
//
// Contract:
//   Emit never returns an error and never panics into the caller. A broken
//   audit sink degrades observability; it must not stop data collection.
//
// Sinks:
//   - Nop:    discards everything (default when nothing is configured)
//   - Logger: writes each event as a structured slog record
//   - JSONL:  appends one line per event to <logs_root>/audit.jsonl
//   - Multi:  fans out to several sinks
//   - Memory: keeps events in memory (tests, `once` command output)
//
// Event names follow "<feature>.<object>.<action>", for example
// "collector.fetch.ok" or "collector.leader.acquire.race".
//
// ============================================================================

package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Level 事件等級
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Fields carries structured event data.
type Fields map[string]any

// Event is one audit record.
type Event struct {
	Name    string
	Feature string
	Level   Level
	Fields  Fields
}

// Sink receives audit events. Implementations must swallow their own errors.
type Sink interface {
	Emit(event, feature string, level Level, fields Fields)
}

// Emit calls s.Emit and recovers from any panic inside the sink.
func Emit(s Sink, event, feature string, level Level, fields Fields) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Debug("audit sink panicked", "event", event, "panic", r)
		}
	}()
	s.Emit(event, feature, level, fields)
}

// ============================================================================
// Nop
// ============================================================================

// Nop discards all events.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(string, string, Level, Fields) {}

// ============================================================================
// Logger
// ============================================================================

// Logger writes events through slog.
type Logger struct {
	logger *slog.Logger
}

// NewLogger 以 slog 輸出審計事件
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "audit")}
}

// Emit implements Sink.
func (l *Logger) Emit(event, feature string, level Level, fields Fields) {
	attrs := make([]slog.Attr, 0, len(fields)+1)
	attrs = append(attrs, slog.String("feature", feature))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(context.Background(), slogLevel(level), event, attrs...)
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ============================================================================
// Multi
// ============================================================================

// Multi fans out to every sink; a failing sink does not affect the others.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(event, feature string, level Level, fields Fields) {
	for _, s := range m {
		Emit(s, event, feature, level, fields)
	}
}

// ============================================================================
// Memory
// ============================================================================

// Memory records events in order.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (m *Memory) Emit(event, feature string, level Level, fields Fields) {
	cp := make(Fields, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.mu.Lock()
	m.events = append(m.events, Event{Name: event, Feature: feature, Level: level, Fields: cp})
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Names returns the recorded event names in order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Name
	}
	return out
}

// Count returns how many events named name were recorded.
func (m *Memory) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
