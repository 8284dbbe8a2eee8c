// Package queue is the terminal's durable change queue. Every local mutation is stored here
// until the server confirms it, resolves it as a conflict, or it exhausts its retries.
package queue

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Item is one queued local mutation with its sync bookkeeping.
type Item struct {
	ID                    string         `gorm:"column:id;primaryKey;size:36;not null"`
	Table                 string         `gorm:"column:table_name;size:64;not null;index:idx_queue_record,priority:1"`
	RecordID              string         `gorm:"column:record_id;size:190;not null;index:idx_queue_record,priority:2"`
	Operation             string         `gorm:"column:operation;size:16;not null"`
	Data                  datatypes.JSON `gorm:"column:data"`
	IsDeleted             bool           `gorm:"column:is_deleted;not null;default:false"`
	ClientUpdatedAtMicros int64          `gorm:"column:client_updated_at_us;not null;default:0"`
	BaseVersion           *int64         `gorm:"column:base_version"`
	Status                Status         `gorm:"column:status;size:16;not null;index:idx_queue_status,priority:1"`
	RetryCount            int            `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAtMicros   int64          `gorm:"column:next_attempt_at_us;not null;default:0"`
	LastError             string         `gorm:"column:last_error;size:512"`
	CreatedAtMicros       int64          `gorm:"column:created_at_us;not null;default:0;index:idx_queue_status,priority:2"`
	UpdatedAtMicros       int64          `gorm:"column:updated_at_us;not null;default:0"`
	CompletedAtMicros     *int64         `gorm:"column:completed_at_us"`

	// Conflict snapshot, kept until the operator or policy resolves it.
	Conflict                      bool           `gorm:"column:conflict;not null;default:false"`
	ConflictServerData            datatypes.JSON `gorm:"column:conflict_server_data"`
	ConflictServerVersion         int64          `gorm:"column:conflict_server_version;not null;default:0"`
	ConflictServerUpdatedAtMicros int64          `gorm:"column:conflict_server_updated_at_us;not null;default:0"`
	ConflictServerDeleted         bool           `gorm:"column:conflict_server_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "sync_queue"
}

// ClientUpdatedAt is the local mutation time.
func (i Item) ClientUpdatedAt() time.Time {
	return time.UnixMicro(i.ClientUpdatedAtMicros).UTC()
}

// CreatedAt is when the item entered the queue.
func (i Item) CreatedAt() time.Time {
	return time.UnixMicro(i.CreatedAtMicros).UTC()
}

// Deletes reports whether the item tombstones its record.
func (i Item) Deletes() bool {
	return i.IsDeleted || i.Operation == string(reconcile.OperationDelete)
}

// ChangeRecord converts the item into the unit pushed to the server.
func (i Item) ChangeRecord() reconcile.ChangeRecord {
	return reconcile.ChangeRecord{
		Table:           i.Table,
		RecordID:        i.RecordID,
		Operation:       reconcile.Operation(i.Operation),
		Data:            json.RawMessage(i.Data),
		ClientTimestamp: i.ClientUpdatedAt(),
		IsDeleted:       i.Deletes(),
		BaseVersion:     i.BaseVersion,
	}
}

// ConflictSnapshot is the server side of a reported conflict.
type ConflictSnapshot struct {
	ServerData      json.RawMessage
	ServerVersion   int64
	ServerUpdatedAt time.Time
	ServerDeleted   bool
}

// Snapshot returns the stored conflict, if any.
func (i Item) Snapshot() (ConflictSnapshot, bool) {
	if !i.Conflict {
		return ConflictSnapshot{}, false
	}
	return ConflictSnapshot{
		ServerData:      json.RawMessage(i.ConflictServerData),
		ServerVersion:   i.ConflictServerVersion,
		ServerUpdatedAt: time.UnixMicro(i.ConflictServerUpdatedAtMicros).UTC(),
		ServerDeleted:   i.ConflictServerDeleted,
	}, true
}

// Change is a local mutation submitted to the queue.
type Change struct {
	Table       string
	RecordID    string
	Operation   reconcile.Operation
	Data        json.RawMessage
	UpdatedAt   time.Time
	IsDeleted   bool
	BaseVersion *int64
}

// Stats counts items per status. Conflicts is a subset of Pending.
type Stats struct {
	Pending   int64
	Syncing   int64
	Completed int64
	Failed    int64
	Conflicts int64
}
