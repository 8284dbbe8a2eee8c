// Package wire defines the JSON shapes exchanged between terminals and the sync server,
// over HTTP and over the live socket.
package wire

import (
	"encoding/json"
	"time"
)

// PushRequest is the body of POST /sync/batch-push.
type PushRequest struct {
	DeviceID string       `json:"deviceId"`
	Records  []PushRecord `json:"records"`
}

// PushRecord is one queued change. BaseVersion is the sync version the terminal last saw.
type PushRecord struct {
	Table          string          `json:"table"`
	RecordID       string          `json:"recordId"`
	Operation      string          `json:"operation,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	LocalUpdatedAt time.Time       `json:"localUpdatedAt"`
	IsDeleted      bool            `json:"isDeleted"`
	BaseVersion    *int64          `json:"baseVersion,omitempty"`
}

// PushResponse reports per-record outcomes of a push.
type PushResponse struct {
	Success     bool            `json:"success"`
	SyncedCount int             `json:"syncedCount"`
	Applied     []AppliedRecord `json:"applied"`
	Conflicts   []Conflict      `json:"conflicts"`
	Errors      []RecordError   `json:"errors"`
}

// AppliedRecord is the canonical state of an accepted record.
type AppliedRecord struct {
	Table           string    `json:"table"`
	RecordID        string    `json:"recordId"`
	SyncVersion     int64     `json:"syncVersion"`
	ServerUpdatedAt time.Time `json:"serverUpdatedAt"`
	Unchanged       bool      `json:"unchanged,omitempty"`
}

// Conflict is a divergent edit the terminal must resolve.
type Conflict struct {
	Table           string          `json:"table"`
	RecordID        string          `json:"recordId"`
	LocalData       json.RawMessage `json:"localData,omitempty"`
	ServerData      json.RawMessage `json:"serverData,omitempty"`
	LocalUpdatedAt  time.Time       `json:"localUpdatedAt"`
	ServerUpdatedAt time.Time       `json:"serverUpdatedAt"`
	ServerVersion   int64           `json:"serverVersion"`
	ServerDeleted   bool            `json:"serverDeleted,omitempty"`
}

// RecordError is a per-record validation or apply failure.
type RecordError struct {
	Table    string `json:"table"`
	RecordID string `json:"recordId"`
	Error    string `json:"error"`
}

// Change is one canonical row in a pull page.
type Change struct {
	Table           string          `json:"table"`
	RecordID        string          `json:"recordId"`
	BranchID        string          `json:"branchId,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	IsDeleted       bool            `json:"isDeleted"`
	SyncVersion     int64           `json:"syncVersion"`
	ServerUpdatedAt time.Time       `json:"serverUpdatedAt"`
	OriginDeviceID  string          `json:"originDeviceId,omitempty"`
}

// PullResponse is the body returned by GET /sync/pull-changes. NextCursor is RFC3339Nano or empty.
type PullResponse struct {
	Changes    []Change `json:"changes"`
	HasMore    bool     `json:"hasMore"`
	NextCursor string   `json:"nextCursor"`
}

// ResolveRequest is the body of POST /sync/resolve-conflict.
type ResolveRequest struct {
	Table      string          `json:"table"`
	RecordID   string          `json:"recordId"`
	Resolution string          `json:"resolution"`
	ClientData json.RawMessage `json:"clientData,omitempty"`
	IsDeleted  bool            `json:"isDeleted,omitempty"`
}

// ResolveResponse reports the outcome of a resolution. Current carries the canonical row
// kept by accept_server, absent when the server has no such record.
type ResolveResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Applied *AppliedRecord `json:"applied,omitempty"`
	Current *Change        `json:"current,omitempty"`
}

// TableStat counts live rows of one table.
type TableStat struct {
	Table       string `json:"table"`
	RecordCount int64  `json:"recordCount"`
}

// StatsResponse is the body returned by GET /sync/stats.
type StatsResponse struct {
	PendingQueueCount int64       `json:"pendingQueueCount"`
	LastSyncAt        *time.Time  `json:"lastSyncAt"`
	TablesStats       []TableStat `json:"tablesStats"`
}

// ErrorResponse is returned for request-level failures.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Cursor formatting shared by the server and terminals.
const CursorLayout = time.RFC3339Nano

// FormatCursor renders a pull cursor, empty for the zero time.
func FormatCursor(cursor time.Time) string {
	if cursor.IsZero() {
		return ""
	}
	return cursor.UTC().Format(CursorLayout)
}

// ParseCursor parses a pull cursor. An empty string is the beginning of the stream.
func ParseCursor(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	cursor, err := time.Parse(CursorLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return cursor.UTC(), nil
}
