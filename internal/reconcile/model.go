package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Operation enumerates the mutations a terminal can push.
type Operation string

const (
	// OperationCreate inserts a record that the terminal created locally.
	OperationCreate Operation = "create"
	// OperationUpdate replaces the payload of an existing record.
	OperationUpdate Operation = "update"
	// OperationDelete soft-deletes a record.
	OperationDelete Operation = "delete"
)

// Role distinguishes ordinary terminals from tenant administrators.
type Role string

const (
	// RoleDevice is an ordinary point-of-sale terminal bound to one branch.
	RoleDevice Role = "device"
	// RoleAdmin observes every branch of its tenant.
	RoleAdmin Role = "admin"
)

// Resolution enumerates the answers to a reported conflict.
type Resolution string

const (
	// ResolutionAcceptServer keeps the canonical row.
	ResolutionAcceptServer Resolution = "accept_server"
	// ResolutionAcceptClient force-applies the terminal's payload.
	ResolutionAcceptClient Resolution = "accept_client"
)

const (
	maxIdentifierLength = 190
	maxTableNameLength  = 64
)

var (
	// ErrInvalidScope indicates that the tenant scope is incomplete or malformed.
	ErrInvalidScope = errors.New("reconcile: invalid tenant scope")
	// ErrInvalidOperation indicates an unknown mutation kind.
	ErrInvalidOperation = errors.New("reconcile: invalid operation")
	// ErrInvalidResolution indicates an unknown conflict resolution.
	ErrInvalidResolution = errors.New("reconcile: invalid resolution")
	// ErrInvalidRecord indicates that a pushed record failed validation.
	ErrInvalidRecord = errors.New("reconcile: invalid record")
)

// TenantScope identifies who is syncing: tenant (ClientID), site (BranchID) and terminal (DeviceID).
type TenantScope struct {
	ClientID string
	BranchID string
	DeviceID string
	Role     Role
}

// NewTenantScope validates the identifiers attached by the session layer.
func NewTenantScope(clientID, branchID, deviceID string, role Role) (TenantScope, error) {
	scope := TenantScope{
		ClientID: strings.TrimSpace(clientID),
		BranchID: strings.TrimSpace(branchID),
		DeviceID: strings.TrimSpace(deviceID),
		Role:     role,
	}
	if scope.Role == "" {
		scope.Role = RoleDevice
	}
	if scope.Role != RoleDevice && scope.Role != RoleAdmin {
		return TenantScope{}, fmt.Errorf("%w: unknown role %q", ErrInvalidScope, role)
	}
	if err := validateIdentifier("client id", scope.ClientID); err != nil {
		return TenantScope{}, err
	}
	if err := validateIdentifier("branch id", scope.BranchID); err != nil {
		return TenantScope{}, err
	}
	if scope.BranchID == "*" {
		return TenantScope{}, fmt.Errorf("%w: branch id must not be a wildcard", ErrInvalidScope)
	}
	if err := validateIdentifier("device id", scope.DeviceID); err != nil {
		return TenantScope{}, err
	}
	return scope, nil
}

// IsAdmin reports whether the scope may observe the whole tenant.
func (s TenantScope) IsAdmin() bool {
	return s.Role == RoleAdmin
}

func validateIdentifier(label, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s empty", ErrInvalidScope, label)
	}
	if len(value) > maxIdentifierLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidScope, label, maxIdentifierLength)
	}
	return nil
}

// ParseOperation normalizes a wire operation name.
func ParseOperation(value string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(value))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate, "upsert":
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, value)
	}
}

// ParseResolution normalizes a wire resolution name.
func ParseResolution(value string) (Resolution, error) {
	switch Resolution(strings.ToLower(strings.TrimSpace(value))) {
	case ResolutionAcceptServer:
		return ResolutionAcceptServer, nil
	case ResolutionAcceptClient:
		return ResolutionAcceptClient, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, value)
	}
}

// ChangeRecord is the unit of sync pushed by a terminal.
type ChangeRecord struct {
	Table           string
	RecordID        string
	Operation       Operation
	Data            json.RawMessage
	ClientTimestamp time.Time
	IsDeleted       bool
	// BaseVersion is the sync_version the terminal last saw for this record, nil when unknown.
	BaseVersion *int64
}

// Deletes reports whether the change tombstones the record.
func (c ChangeRecord) Deletes() bool {
	return c.Operation == OperationDelete || c.IsDeleted
}

func (c ChangeRecord) validate() error {
	if strings.TrimSpace(c.Table) == "" || len(c.Table) > maxTableNameLength {
		return fmt.Errorf("%w: table", ErrInvalidRecord)
	}
	if strings.TrimSpace(c.RecordID) == "" || len(c.RecordID) > maxIdentifierLength {
		return fmt.Errorf("%w: record id", ErrInvalidRecord)
	}
	switch c.Operation {
	case OperationCreate, OperationUpdate, OperationDelete:
	default:
		return fmt.Errorf("%w: operation", ErrInvalidRecord)
	}
	if c.ClientTimestamp.IsZero() {
		return fmt.Errorf("%w: client timestamp", ErrInvalidRecord)
	}
	if !c.Deletes() {
		if len(c.Data) == 0 || !json.Valid(c.Data) {
			return fmt.Errorf("%w: payload", ErrInvalidRecord)
		}
	} else if len(c.Data) > 0 && !json.Valid(c.Data) {
		return fmt.Errorf("%w: payload", ErrInvalidRecord)
	}
	if c.BaseVersion != nil && *c.BaseVersion < 0 {
		return fmt.Errorf("%w: base version", ErrInvalidRecord)
	}
	return nil
}

// CanonicalRecord is the server's authoritative copy of a synced row.
type CanonicalRecord struct {
	ClientID              string         `gorm:"column:client_id;primaryKey;size:190;not null;index:idx_sync_records_cursor,priority:1"`
	BranchID              string         `gorm:"column:branch_id;primaryKey;size:190;not null;index:idx_sync_records_cursor,priority:2"`
	Table                 string         `gorm:"column:table_name;primaryKey;size:64;not null"`
	RecordID              string         `gorm:"column:record_id;primaryKey;size:190;not null"`
	Data                  datatypes.JSON `gorm:"column:data;not null"`
	IsDeleted             bool           `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion           int64          `gorm:"column:sync_version;not null;default:1"`
	ServerUpdatedAtMicros int64          `gorm:"column:server_updated_at_us;not null;index:idx_sync_records_cursor,priority:3"`
	ClientUpdatedAtMicros int64          `gorm:"column:client_updated_at_us;not null"`
	CreatedAtMicros       int64          `gorm:"column:created_at_us;not null"`
	LastDeviceID          string         `gorm:"column:last_device_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (CanonicalRecord) TableName() string {
	return "sync_records"
}

// ServerUpdatedAt converts the stored stamp to a time.
func (r CanonicalRecord) ServerUpdatedAt() time.Time {
	return time.UnixMicro(r.ServerUpdatedAtMicros).UTC()
}

// TenantClock serializes writers of one tenant and issues strictly increasing server stamps.
type TenantClock struct {
	ClientID        string `gorm:"column:client_id;primaryKey;size:190;not null"`
	LastStampMicros int64  `gorm:"column:last_stamp_us;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (TenantClock) TableName() string {
	return "sync_clocks"
}

// Conflict describes a divergent edit reported back to the terminal instead of being applied.
type Conflict struct {
	Table           string
	RecordID        string
	LocalData       json.RawMessage
	ServerData      json.RawMessage
	LocalUpdatedAt  time.Time
	ServerUpdatedAt time.Time
	ServerVersion   int64
	ServerDeleted   bool
}

// RecordError reports a per-record failure that did not abort the batch.
type RecordError struct {
	Table    string
	RecordID string
	Reason   string
}

// AppliedChange reports the canonical state after a record was accepted.
type AppliedChange struct {
	Table           string
	RecordID        string
	SyncVersion     int64
	ServerUpdatedAt time.Time
	// Unchanged is set when the pushed payload already matched the canonical row.
	Unchanged bool
}

// BatchResult aggregates the outcome of ProcessBatch. Partial success is normal.
type BatchResult struct {
	AppliedCount int
	Applied      []AppliedChange
	Conflicts    []Conflict
	Errors       []RecordError
}

// PullRequest selects canonical rows changed after a cursor.
type PullRequest struct {
	Since      time.Time
	Tables     []string
	Limit      int
	TenantWide bool
}

// Change is one canonical row returned by PullChanges.
type Change struct {
	Table           string
	RecordID        string
	BranchID        string
	Data            json.RawMessage
	IsDeleted       bool
	SyncVersion     int64
	ServerUpdatedAt time.Time
	OriginDeviceID  string
}

// PullResult is a page of changes.
type PullResult struct {
	Changes    []Change
	HasMore    bool
	NextCursor time.Time
}

// ResolveRequest carries a terminal's answer to a conflict.
type ResolveRequest struct {
	Table      string
	RecordID   string
	Resolution Resolution
	ClientData json.RawMessage
	IsDeleted  bool
}

// ResolveResult reports what the resolution did. Current is the canonical row an
// accept_server resolution keeps.
type ResolveResult struct {
	Message string
	Applied *AppliedChange
	Current *Change
}

// TableStat counts live canonical rows for one table.
type TableStat struct {
	Table       string
	RecordCount int64
}

// Stats summarizes sync state for a branch.
type Stats struct {
	PendingOutbox int64
	Tables        []TableStat
}

func changeFromRecord(record CanonicalRecord) Change {
	return Change{
		Table:           record.Table,
		RecordID:        record.RecordID,
		BranchID:        record.BranchID,
		Data:            json.RawMessage(record.Data),
		IsDeleted:       record.IsDeleted,
		SyncVersion:     record.SyncVersion,
		ServerUpdatedAt: record.ServerUpdatedAt(),
		OriginDeviceID:  record.LastDeviceID,
	}
}
