// Package replica holds the terminal's local copy of synced records and its pull cursor.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultScope names the cursor of an ordinary branch pull.
const DefaultScope = "branch"

var (
	// ErrRecordNotFound indicates the replica has no such record.
	ErrRecordNotFound = errors.New("replica: record not found")

	errMissingDatabase = errors.New("replica: database handle is required")
	errMissingBranch   = errors.New("replica: home branch is required")
)

// Record is the local copy of one synced row. Rows are keyed by branch like the server's
// canonical rows, so a tenant-wide pull keeps same-named records of other branches apart.
type Record struct {
	BranchID              string         `gorm:"column:branch_id;primaryKey;size:190;not null"`
	Table                 string         `gorm:"column:table_name;primaryKey;size:64;not null"`
	RecordID              string         `gorm:"column:record_id;primaryKey;size:190;not null"`
	Data                  datatypes.JSON `gorm:"column:data"`
	IsDeleted             bool           `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion           int64          `gorm:"column:sync_version;not null;default:0"`
	ServerUpdatedAtMicros int64          `gorm:"column:server_updated_at_us;not null;default:0"`
	LocalUpdatedAtMicros  int64          `gorm:"column:local_updated_at_us;not null;default:0"`
	OriginDeviceID        string         `gorm:"column:origin_device_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "replica_records"
}

// BaseVersion is the server version a local edit builds on, nil for records the server never confirmed.
func (r Record) BaseVersion() *int64 {
	if r.SyncVersion <= 0 {
		return nil
	}
	version := r.SyncVersion
	return &version
}

// Cursor stores the last pulled server stamp per pull scope.
type Cursor struct {
	Scope string `gorm:"column:scope;primaryKey;size:32;not null"`
	Value string `gorm:"column:value;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Cursor) TableName() string {
	return "replica_cursors"
}

// Deferred holds the newest pulled change of a record that was protected when its page was
// applied. The pull cursor has already moved past it, so it is replayed once the record is free.
type Deferred struct {
	BranchID              string         `gorm:"column:branch_id;primaryKey;size:190;not null"`
	Table                 string         `gorm:"column:table_name;primaryKey;size:64;not null"`
	RecordID              string         `gorm:"column:record_id;primaryKey;size:190;not null"`
	Data                  datatypes.JSON `gorm:"column:data"`
	IsDeleted             bool           `gorm:"column:is_deleted;not null;default:false"`
	SyncVersion           int64          `gorm:"column:sync_version;not null"`
	ServerUpdatedAtMicros int64          `gorm:"column:server_updated_at_us;not null;default:0"`
	OriginDeviceID        string         `gorm:"column:origin_device_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Deferred) TableName() string {
	return "replica_deferred"
}

func (d Deferred) change() reconcile.Change {
	return reconcile.Change{
		Table:           d.Table,
		RecordID:        d.RecordID,
		BranchID:        d.BranchID,
		Data:            json.RawMessage(d.Data),
		IsDeleted:       d.IsDeleted,
		SyncVersion:     d.SyncVersion,
		ServerUpdatedAt: time.UnixMicro(d.ServerUpdatedAtMicros).UTC(),
		OriginDeviceID:  d.OriginDeviceID,
	}
}

// SkipFunc reports whether pulled data must not overwrite a record, evaluated inside the apply transaction.
type SkipFunc func(tx *gorm.DB, table, recordID string) (bool, error)

// ApplyResult summarizes an applied page.
type ApplyResult struct {
	Applied int
	Skipped int
	Stale   int
}

// Config describes replica dependencies. BranchID is the terminal's home branch, the only
// branch local edits are made in.
type Config struct {
	Database *gorm.DB
	BranchID string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes the local replica.
type Store struct {
	db     *gorm.DB
	branch string
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.BranchID == "" {
		return nil, errMissingBranch
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, branch: cfg.BranchID, clock: clock, logger: logger}, nil
}

// Database exposes the handle so callers can share a transaction with the queue.
func (s *Store) Database() *gorm.DB {
	return s.db
}

// Get loads one record of the home branch.
func (s *Store) Get(ctx context.Context, table, recordID string) (Record, error) {
	return getRecord(s.db.WithContext(ctx), s.branch, table, recordID)
}

// GetInBranch loads one record of any branch pulled into the replica.
func (s *Store) GetInBranch(ctx context.Context, branchID, table, recordID string) (Record, error) {
	return getRecord(s.db.WithContext(ctx), branchID, table, recordID)
}

// GetTx loads one record inside the caller's transaction.
func GetTx(tx *gorm.DB, branchID, table, recordID string) (Record, error) {
	return getRecord(tx, branchID, table, recordID)
}

func getRecord(db *gorm.DB, branchID, table, recordID string) (Record, error) {
	var record Record
	err := db.Where("branch_id = ? AND table_name = ? AND record_id = ?", branchID, table, recordID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// List returns the records of a table across every pulled branch, ordered by id.
func (s *Store) List(ctx context.Context, table string, includeDeleted bool) ([]Record, error) {
	query := s.db.WithContext(ctx).Where("table_name = ?", table)
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var records []Record
	if err := query.Order("record_id ASC").Order("branch_id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// WriteLocalTx records a local mutation. The server version is left untouched so it stays the edit's base.
func WriteLocalTx(tx *gorm.DB, branchID, deviceID, table, recordID string, data json.RawMessage, deleted bool, at time.Time) (Record, error) {
	record, err := getRecord(tx, branchID, table, recordID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return Record{}, err
	}
	record.BranchID = branchID
	record.Table = table
	record.RecordID = recordID
	if len(data) > 0 || !deleted {
		record.Data = datatypes.JSON(data)
	}
	record.IsDeleted = deleted
	record.LocalUpdatedAtMicros = at.UTC().UnixMicro()
	record.OriginDeviceID = deviceID
	if err := tx.Save(&record).Error; err != nil {
		return Record{}, err
	}
	return record, nil
}

// Confirm stores the server version assigned to a pushed record. Older versions are ignored.
func (s *Store) Confirm(ctx context.Context, table, recordID string, version int64, serverUpdatedAt time.Time) error {
	return s.db.WithContext(ctx).Model(&Record{}).
		Where("branch_id = ? AND table_name = ? AND record_id = ? AND sync_version < ?", s.branch, table, recordID, version).
		Updates(map[string]interface{}{
			"sync_version":         version,
			"server_updated_at_us": serverUpdatedAt.UTC().UnixMicro(),
		}).Error
}

// Overwrite replaces the local copy with server state unconditionally. Used when a conflict resolves in the server's favour.
func (s *Store) Overwrite(ctx context.Context, change reconcile.Change) error {
	record := s.recordFromChange(change)
	record.LocalUpdatedAtMicros = s.clock().UTC().UnixMicro()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		return tx.Where("branch_id = ? AND table_name = ? AND record_id = ? AND sync_version <= ?",
			record.BranchID, record.Table, record.RecordID, record.SyncVersion).
			Delete(&Deferred{}).Error
	})
}

// ApplyPage writes pulled changes and advances the cursor in a single transaction, so a crash
// either keeps both or neither. Home-branch records the skip function protects are left alone
// and their change is deferred; a change never replaces a newer local version.
func (s *Store) ApplyPage(ctx context.Context, scope string, changes []reconcile.Change, nextCursor string, skip SkipFunc) (ApplyResult, error) {
	var result ApplyResult
	if scope == "" {
		scope = DefaultScope
	}
	now := s.clock().UTC().UnixMicro()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range changes {
			record := s.recordFromChange(change)
			if skip != nil && record.BranchID == s.branch {
				blocked, err := skip(tx, change.Table, change.RecordID)
				if err != nil {
					return err
				}
				if blocked {
					if err := deferChange(tx, record); err != nil {
						return err
					}
					result.Skipped++
					continue
				}
			}
			applied, err := applyRecord(tx, record, now)
			if err != nil {
				return err
			}
			if applied {
				result.Applied++
			} else {
				result.Stale++
			}
		}
		if nextCursor == "" {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&Cursor{Scope: scope, Value: nextCursor}).Error
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("replica: apply page: %w", err)
	}
	if result.Skipped > 0 {
		s.logger.Debug("pulled changes held back by unconfirmed local edits",
			zap.String("scope", scope),
			zap.Int("skipped", result.Skipped),
		)
	}
	return result, nil
}

// ReleaseDeferred replays deferred changes of records the skip function no longer protects.
// Changes older than the local version are dropped.
func (s *Store) ReleaseDeferred(ctx context.Context, skip SkipFunc) (int, error) {
	released := 0
	now := s.clock().UTC().UnixMicro()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending []Deferred
		if err := tx.Order("table_name ASC").Order("record_id ASC").Find(&pending).Error; err != nil {
			return err
		}
		for _, deferred := range pending {
			if skip != nil {
				blocked, err := skip(tx, deferred.Table, deferred.RecordID)
				if err != nil {
					return err
				}
				if blocked {
					continue
				}
			}
			applied, err := applyRecord(tx, s.recordFromChange(deferred.change()), now)
			if err != nil {
				return err
			}
			if applied {
				released++
			}
			if err := tx.Delete(&deferred).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replica: release deferred: %w", err)
	}
	return released, nil
}

// ApplyLive writes one change delivered over the live channel without touching the cursor.
func (s *Store) ApplyLive(ctx context.Context, change reconcile.Change, skip SkipFunc) (bool, error) {
	result, err := s.ApplyPage(ctx, "", []reconcile.Change{change}, "", skip)
	if err != nil {
		return false, err
	}
	return result.Applied == 1, nil
}

// Cursor returns the stored cursor of a scope, or "" before the first pull.
func (s *Store) Cursor(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		scope = DefaultScope
	}
	var cursor Cursor
	err := s.db.WithContext(ctx).Where("scope = ?", scope).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor.Value, nil
}

func applyRecord(tx *gorm.DB, record Record, now int64) (bool, error) {
	current, err := getRecord(tx, record.BranchID, record.Table, record.RecordID)
	switch {
	case err == nil:
		if current.SyncVersion >= record.SyncVersion {
			return false, nil
		}
	case !errors.Is(err, ErrRecordNotFound):
		return false, err
	}
	record.LocalUpdatedAtMicros = now
	if err := tx.Save(&record).Error; err != nil {
		return false, err
	}
	return true, nil
}

func deferChange(tx *gorm.DB, record Record) error {
	var existing Deferred
	err := tx.Where("branch_id = ? AND table_name = ? AND record_id = ?", record.BranchID, record.Table, record.RecordID).
		Take(&existing).Error
	switch {
	case err == nil:
		if existing.SyncVersion >= record.SyncVersion {
			return nil
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}
	return tx.Save(&Deferred{
		BranchID:              record.BranchID,
		Table:                 record.Table,
		RecordID:              record.RecordID,
		Data:                  record.Data,
		IsDeleted:             record.IsDeleted,
		SyncVersion:           record.SyncVersion,
		ServerUpdatedAtMicros: record.ServerUpdatedAtMicros,
		OriginDeviceID:        record.OriginDeviceID,
	}).Error
}

func (s *Store) recordFromChange(change reconcile.Change) Record {
	branchID := change.BranchID
	if branchID == "" {
		branchID = s.branch
	}
	return Record{
		BranchID:              branchID,
		Table:                 change.Table,
		RecordID:              change.RecordID,
		Data:                  datatypes.JSON(change.Data),
		IsDeleted:             change.IsDeleted,
		SyncVersion:           change.SyncVersion,
		ServerUpdatedAtMicros: change.ServerUpdatedAt.UTC().UnixMicro(),
		OriginDeviceID:        change.OriginDeviceID,
	}
}
