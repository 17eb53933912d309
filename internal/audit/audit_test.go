package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-collector/internal/storage"
)

type panicSink struct{}

func (panicSink) Emit(string, string, Level, Fields) { panic("boom") }

type failingAppender struct{ calls int }

func (f *failingAppender) AppendJSONL(storage.Domain, string, any) (string, error) {
	f.calls++
	return "", errors.New("disk full")
}

func TestEmitRecoversFromPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Emit(panicSink{}, "collector.fetch.ok", "collector", LevelInfo, nil)
	})
	assert.NotPanics(t, func() {
		Emit(nil, "x", "collector", LevelInfo, nil)
	})
}

func TestMultiIsolatesFailingSink(t *testing.T) {
	mem := &Memory{}
	m := Multi{panicSink{}, mem, Nop{}}

	assert.NotPanics(t, func() {
		m.Emit("collector.worker.start", "collector", LevelInfo, Fields{"interval_sec": 1.0})
	})
	assert.Equal(t, []string{"collector.worker.start"}, mem.Names())
}

func TestMemoryCopiesFields(t *testing.T) {
	mem := &Memory{}
	f := Fields{"a": 1}
	mem.Emit("e", "collector", LevelWarn, f)
	f["a"] = 2

	ev := mem.Events()
	require.Len(t, ev, 1)
	assert.Equal(t, 1, ev[0].Fields["a"])
	assert.Equal(t, LevelWarn, ev[0].Level)
	assert.Equal(t, 1, mem.Count("e"))
	assert.Equal(t, 0, mem.Count("other"))
}

func TestLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewLogger(logger).Emit("collector.fetch.fail", "collector", LevelError, Fields{"exchange": "bitflyer"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "collector.fetch.fail", line["msg"])
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "collector", line["feature"])
	assert.Equal(t, "bitflyer", line["exchange"])
	assert.Equal(t, "audit", line["component"])
}

func TestJSONLSink(t *testing.T) {
	dir := t.TempDir()
	router, err := storage.NewRouter(storage.Config{
		LogsRoot:      filepath.Join(dir, "logs"),
		DataRoot:      filepath.Join(dir, "data"),
		SecondaryRoot: filepath.Join(dir, "local"),
	}, nil)
	require.NoError(t, err)

	sink := NewJSONL(router, "", nil)
	sink.Emit("collector.leader.acquire", "collector", LevelInfo, Fields{"pid": 42})
	sink.Emit("collector.worker.stop", "collector", LevelInfo, nil)

	raw, err := os.ReadFile(filepath.Join(dir, "logs", DefaultFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "collector.leader.acquire", rec.Event)
	assert.Equal(t, "DEBUG", rec.Mode)
	assert.Equal(t, sink.Session(), rec.Session)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, float64(42), rec.Payload["pid"])
	assert.True(t, strings.HasSuffix(rec.TS, "Z"))

	var second Record
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.NotEqual(t, rec.ID, second.ID)
	assert.Equal(t, rec.Session, second.Session)
}

func TestJSONLSinkSwallowsErrors(t *testing.T) {
	app := &failingAppender{}
	sink := NewJSONL(app, "PROD", nil)
	assert.NotPanics(t, func() {
		sink.Emit("collector.status.update", "collector", LevelInfo, Fields{"items": 1})
	})
	assert.Equal(t, 1, app.calls)
}
