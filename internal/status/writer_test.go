package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/market-collector/internal/audit"
	"github.com/ChuLiYu/market-collector/internal/storage"
	"github.com/ChuLiYu/market-collector/pkg/types"
)

func fixedNow() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

func newWriter(t *testing.T, dir string, sink audit.Sink) *Writer {
	t.Helper()
	w, err := NewWriter(dir, Options{Now: fixedNow, Audit: sink})
	require.NoError(t, err)
	return w
}

func TestUpdateStatusRules(t *testing.T) {
	tests := []struct {
		name    string
		initial *Update
		update  Update
		want    types.StatusLevel
	}{
		{"new item defaults to OK", nil, Update{}, types.StatusOK},
		{"ok=true forces OK", &Update{OK: types.BoolPtr(false)}, Update{OK: types.BoolPtr(true)}, types.StatusOK},
		{"ok=false forces CRIT", nil, Update{OK: types.BoolPtr(false)}, types.StatusCrit},
		{"cause escalates OK to WARN", nil, Update{Cause: types.StringPtr("X")}, types.StatusWarn},
		{"cause keeps CRIT", &Update{OK: types.BoolPtr(false)}, Update{Cause: types.StringPtr("X")}, types.StatusCrit},
		{"cause keeps WARN", &Update{Cause: types.StringPtr("A")}, Update{Cause: types.StringPtr("B")}, types.StatusWarn},
		{"ok=true with cause is WARN", nil, Update{OK: types.BoolPtr(true), Cause: types.StringPtr("X")}, types.StatusWarn},
		{"empty cause is ignored", nil, Update{Cause: types.StringPtr("")}, types.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWriter(t, t.TempDir(), nil)
			if tt.initial != nil {
				w.Update("bitflyer", "trades", *tt.initial)
			}
			w.Update("bitflyer", "trades", tt.update)

			it, ok := w.Item("bitflyer", "trades")
			require.True(t, ok)
			assert.Equal(t, tt.want, it.Status)
		})
	}
}

// TestEscalationMonotonicity cause 不會把 CRIT 降回 WARN
func TestEscalationMonotonicity(t *testing.T) {
	w := newWriter(t, t.TempDir(), nil)

	w.Update("bitflyer", "board", Update{OK: types.BoolPtr(true)})
	w.Update("bitflyer", "board", Update{Cause: types.StringPtr("X")})
	it, _ := w.Item("bitflyer", "board")
	assert.Equal(t, types.StatusWarn, it.Status)

	w.Update("bitflyer", "board", Update{OK: types.BoolPtr(false)})
	w.Update("bitflyer", "board", Update{Cause: types.StringPtr("X")})
	it, _ = w.Item("bitflyer", "board")
	assert.Equal(t, types.StatusCrit, it.Status)
	assert.Equal(t, "X", *it.Cause)
}

func TestUpdateOverwritesRetriesAndNotes(t *testing.T) {
	w := newWriter(t, t.TempDir(), nil)

	w.Update("bitflyer", "trades", Update{Retries: types.IntPtr(3), Notes: types.StringPtr("first")})
	w.Update("bitflyer", "trades", Update{Retries: types.IntPtr(1), Notes: types.StringPtr("second"), Source: "worker"})

	it, _ := w.Item("bitflyer", "trades")
	assert.Equal(t, 1, *it.Retries)
	assert.Equal(t, "second", *it.Notes)
	assert.Equal(t, "worker", it.Source)

	// Absent fields leave prior values alone; source falls back to default.
	w.Update("bitflyer", "trades", Update{})
	it, _ = w.Item("bitflyer", "trades")
	assert.Equal(t, 1, *it.Retries)
	assert.Equal(t, DefaultSource, it.Source)
}

func TestUpdateCopiesPointers(t *testing.T) {
	w := newWriter(t, t.TempDir(), nil)
	notes := "original"
	w.Update("bitflyer", "trades", Update{Notes: &notes})
	notes = "mutated"

	it, _ := w.Item("bitflyer", "trades")
	assert.Equal(t, "original", *it.Notes)
}

func TestFlushWritesDocument(t *testing.T) {
	dir := t.TempDir()
	mem := &audit.Memory{}
	w := newWriter(t, dir, mem)

	w.Update("bitflyer", "trades", Update{OK: types.BoolPtr(true), LastISO: types.StringPtr("2025-03-04T05:06:07Z")})
	w.Update("bitflyer", "board", Update{OK: types.BoolPtr(false), Cause: types.StringPtr("FetchError")})
	w.SetLeader(types.LeaderRecord{Host: "h", PID: 7, StartedMs: 1, HeartbeatMs: 2})
	w.SetStorage(types.StorageMeta{LogsRoot: "/l", DataRoot: "/d", PrimaryOK: true})

	path, err := w.Flush()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "collector", "status.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "2025-03-04T05:06:07Z", doc["updated_at"])
	assert.Contains(t, doc, "leader")
	assert.Contains(t, doc, "storage")

	items := doc["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "board", first["topic"]) // sorted by topic
	assert.Equal(t, "CRIT", first["status"])
	assert.Nil(t, first["notes"])
	assert.Contains(t, first, "retries")

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "collector.status.update", events[0].Name)
	assert.Equal(t, 2, events[0].Fields["items"])
}

func TestFlushOmitsMissingLeaderAndStorage(t *testing.T) {
	w := newWriter(t, t.TempDir(), nil)
	path, err := w.Flush()
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotContains(t, doc, "leader")
	assert.NotContains(t, doc, "storage")
	assert.Equal(t, []any{}, doc["items"])
}

// TestRestartReproducesItems flush 後重新載入，項目逐欄一致
func TestRestartReproducesItems(t *testing.T) {
	dir := t.TempDir()
	w := newWriter(t, dir, nil)

	w.Update("bitflyer", "trades", Update{OK: types.BoolPtr(true), LastISO: types.StringPtr("2025-03-04T05:06:07Z"), Retries: types.IntPtr(0), Notes: types.StringPtr("ok")})
	w.Update("bitflyer", "board", Update{OK: types.BoolPtr(false), Cause: types.StringPtr("HTTPError"), Notes: types.StringPtr("HTTP 503"), Source: "worker"})
	w.Update("coincheck", "trades", Update{Cause: types.StringPtr("slow")})
	w.SetLeader(types.LeaderRecord{Host: "h", PID: 7, StartedMs: 1, HeartbeatMs: 2})
	before := w.Items()

	_, err := w.Flush()
	require.NoError(t, err)

	reloaded := newWriter(t, dir, nil)
	assert.Equal(t, before, reloaded.Items())
	assert.Equal(t, w.Document().Leader, reloaded.Document().Leader)
}

func TestMalformedFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector", "status.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o644))

	w := newWriter(t, dir, nil)
	assert.Empty(t, w.Items())

	w.Update("bitflyer", "trades", Update{OK: types.BoolPtr(true)})
	_, err := w.Flush()
	require.NoError(t, err)
}

func TestLoadRejectsFutureSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version":99,"items":[]}`), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestLoadLegacyDocumentWithoutVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collector", "status.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	legacy := `{"items":[{"exchange":"bitflyer","topic":"trades","last_iso":null,"status":"WARN","retries":null,"cause":"X","notes":null,"source":"status"}],"updated_at":"2025-01-01T00:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	w := newWriter(t, dir, nil)
	it, ok := w.Item("bitflyer", "trades")
	require.True(t, ok)
	assert.Equal(t, types.StatusWarn, it.Status)
	assert.Equal(t, "X", *it.Cause)
	assert.Nil(t, it.LastISO)
}

// TestFlushFollowsStorageFallback 主要儲存中途失效與恢復時 status.json 跟著切換
func TestFlushFollowsStorageFallback(t *testing.T) {
	base := t.TempDir()
	primary := filepath.Join(base, "nas", "data")
	router, err := storage.NewRouter(storage.Config{
		LogsRoot:      filepath.Join(base, "nas", "logs"),
		DataRoot:      primary,
		SecondaryRoot: filepath.Join(base, "local"),
	}, nil)
	require.NoError(t, err)

	w, err := NewWriter(primary, Options{
		Root: func() (string, error) { return router.CurrentRoot(storage.DomainData) },
		Now:  fixedNow,
	})
	require.NoError(t, err)
	w.Update("bitflyer", "trades", Update{OK: types.BoolPtr(true)})

	first, err := w.Flush()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(primary, RelPath), first)

	// primary 變成一般檔案，無法再寫入
	require.NoError(t, os.RemoveAll(primary))
	require.NoError(t, os.WriteFile(primary, []byte("offline"), 0o644))

	second, err := w.Flush()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "local", "data", RelPath), second)
	assert.Equal(t, second, w.Path())

	doc, err := Load(second)
	require.NoError(t, err)
	assert.Len(t, doc.Items, 1)

	// primary 恢復後回到主要儲存
	require.NoError(t, os.Remove(primary))
	third, err := w.Flush()
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestConcurrentFlushKeepsLatestDocument(t *testing.T) {
	w := newWriter(t, t.TempDir(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Update("bitflyer", fmt.Sprintf("topic-%02d", i), Update{OK: types.BoolPtr(true)})
			_, err := w.Flush()
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	doc, err := Load(w.Path())
	require.NoError(t, err)
	assert.Len(t, doc.Items, 20)
}

func TestClearLeader(t *testing.T) {
	w := newWriter(t, t.TempDir(), nil)
	w.SetLeader(types.LeaderRecord{Host: "h", PID: 1})
	require.NotNil(t, w.Document().Leader)

	w.ClearLeader()
	assert.Nil(t, w.Document().Leader)
}
