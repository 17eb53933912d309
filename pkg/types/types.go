// Package types 定義了 market-collector 系統中共用的資料模型
//
// 這些結構直接對應磁碟上的 JSON 檔案（status.json、leader lock），
// 外部 UI 會直接讀取這些檔案，所以 JSON 欄位名稱不可任意更動。
package types

// StatusLevel 健康狀態等級
type StatusLevel string

// 定義健康狀態常數
const (
	StatusOK   StatusLevel = "OK"   // 正常
	StatusWarn StatusLevel = "WARN" // 警告：有 cause 但未明確失敗
	StatusCrit StatusLevel = "CRIT" // 嚴重：最近一次 fetch 失敗
)

// StatusSchemaVersion is the current status.json schema version.
const StatusSchemaVersion = 1

// LeaderRecord identifies the current holder of a leader lock.
// Timestamps are Unix milliseconds.
type LeaderRecord struct {
	Host        string `json:"host"`
	PID         int    `json:"pid"`
	StartedMs   int64  `json:"started_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
}

// SameOwner reports whether r was written by the given host/pid.
func (r *LeaderRecord) SameOwner(host string, pid int) bool {
	return r != nil && r.Host == host && r.PID == pid
}

// StorageMeta describes where the storage router is currently writing.
type StorageMeta struct {
	LogsRoot  string `json:"logs_root"`
	DataRoot  string `json:"data_root"`
	PrimaryOK bool   `json:"primary_ok"`
}

// StatusItem 單一 (exchange, topic) 的健康紀錄
//
// 指標欄位在 JSON 中輸出為 null，與既有 UI 讀取格式保持一致。
type StatusItem struct {
	Exchange string      `json:"exchange"`
	Topic    string      `json:"topic"`
	LastISO  *string     `json:"last_iso"`
	Status   StatusLevel `json:"status"`
	Retries  *int        `json:"retries"`
	Cause    *string     `json:"cause"`
	Notes    *string     `json:"notes"`
	Source   string      `json:"source"`
}

// StatusDocument is the aggregate persisted as <data_root>/collector/status.json.
type StatusDocument struct {
	SchemaVersion int           `json:"schema_version,omitempty"`
	Items         []StatusItem  `json:"items"`
	Leader        *LeaderRecord `json:"leader,omitempty"`
	Storage       *StorageMeta  `json:"storage,omitempty"`
	UpdatedAt     string        `json:"updated_at"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool { return &b }
