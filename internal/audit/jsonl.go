package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/market-collector/internal/storage"
)

// DefaultFile is the audit log path relative to the logs root.
const DefaultFile = "audit.jsonl"

// Appender is the part of storage.Router the JSONL sink needs.
type Appender interface {
	AppendJSONL(d storage.Domain, rel string, obj any) (string, error)
}

// Record is the on-disk audit line.
type Record struct {
	TS      string `json:"ts"`
	ID      string `json:"id"`
	Mode    string `json:"mode"`
	Event   string `json:"event"`
	Feature string `json:"feature"`
	Level   Level  `json:"level"`
	Session string `json:"session"`
	Payload Fields `json:"payload"`
}

// JSONL appends events to the logs domain through the storage router, so
// audit lines follow the same primary/secondary fallback as everything else.
type JSONL struct {
	out     Appender
	rel     string
	mode    string
	session string
	now     func() time.Time
	logger  *slog.Logger
}

// NewJSONL 建立 JSONL 審計 sink；每個 process 一個 session id
func NewJSONL(out Appender, mode string, logger *slog.Logger) *JSONL {
	if mode == "" {
		mode = "DEBUG"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONL{
		out:     out,
		rel:     DefaultFile,
		mode:    mode,
		session: uuid.NewString(),
		now:     time.Now,
		logger:  logger.With("component", "audit"),
	}
}

// Session returns the session id stamped on every line.
func (j *JSONL) Session() string { return j.session }

// Emit implements Sink.
func (j *JSONL) Emit(event, feature string, level Level, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	rec := Record{
		TS:      j.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		ID:      uuid.NewString(),
		Mode:    j.mode,
		Event:   event,
		Feature: feature,
		Level:   level,
		Session: j.session,
		Payload: fields,
	}
	if _, err := j.out.AppendJSONL(storage.DomainLogs, j.rel, rec); err != nil {
		j.logger.Debug("audit append failed", "event", event, "error", err)
	}
}
