package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrInvalidChange indicates a mutation missing its table, record or operation.
	ErrInvalidChange = errors.New("queue: invalid change")
	// ErrItemNotFound indicates an unknown queue item.
	ErrItemNotFound = errors.New("queue: item not found")
	// ErrCorrupted indicates the queue could not be read or written. Sync must pause.
	ErrCorrupted = errors.New("queue: storage failure")

	errMissingDatabase = errors.New("queue: database handle is required")
)

const maxErrorLength = 512

// Config describes queue dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists queue items. Every write is committed before the call returns.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *Store) now() int64 {
	return s.clock().UTC().UnixMicro()
}

func storageError(action string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorrupted, action, err)
}

// Add persists a mutation in its own transaction.
func (s *Store) Add(ctx context.Context, change Change) (Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		item, err = s.AddTx(tx, change)
		return err
	})
	return item, err
}

// AddTx persists a mutation using the caller's transaction. A pending item for the same
// record absorbs the new mutation instead of growing the queue: create followed by update
// stays a create, anything followed by delete becomes a delete, and the first base version
// is kept so the server still detects edits made elsewhere in between.
func (s *Store) AddTx(tx *gorm.DB, change Change) (Item, error) {
	if err := validateChange(change); err != nil {
		return Item{}, err
	}
	now := s.now()
	updatedAt := change.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.clock()
	}
	deletes := change.IsDeleted || change.Operation == reconcile.OperationDelete

	var existing Item
	err := tx.Where("table_name = ? AND record_id = ? AND status = ?", change.Table, change.RecordID, StatusPending).
		Order("created_at_us DESC").
		Take(&existing).Error
	switch {
	case err == nil:
		operation := reconcile.Operation(existing.Operation)
		switch {
		case deletes:
			operation = reconcile.OperationDelete
		case operation == reconcile.OperationCreate:
		case operation == reconcile.OperationDelete:
			// A record re-created after a queued delete.
			operation = change.Operation
		default:
			operation = reconcile.OperationUpdate
		}
		existing.Operation = string(operation)
		if len(change.Data) > 0 || !deletes {
			existing.Data = datatypes.JSON(change.Data)
		}
		existing.IsDeleted = deletes
		existing.ClientUpdatedAtMicros = updatedAt.UTC().UnixMicro()
		existing.UpdatedAtMicros = now
		existing.LastError = ""
		if err := tx.Save(&existing).Error; err != nil {
			return Item{}, storageError("coalesce item", err)
		}
		return existing, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return Item{}, storageError("find pending item", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Item{}, err
	}
	item := Item{
		ID:                    id.String(),
		Table:                 change.Table,
		RecordID:              change.RecordID,
		Operation:             string(change.Operation),
		Data:                  datatypes.JSON(change.Data),
		IsDeleted:             deletes,
		ClientUpdatedAtMicros: updatedAt.UTC().UnixMicro(),
		BaseVersion:           change.BaseVersion,
		Status:                StatusPending,
		CreatedAtMicros:       now,
		UpdatedAtMicros:       now,
	}
	if err := tx.Create(&item).Error; err != nil {
		return Item{}, storageError("insert item", err)
	}
	return item, nil
}

func validateChange(change Change) error {
	if strings.TrimSpace(change.Table) == "" || strings.TrimSpace(change.RecordID) == "" {
		return fmt.Errorf("%w: table and record id are required", ErrInvalidChange)
	}
	switch change.Operation {
	case reconcile.OperationCreate, reconcile.OperationUpdate, reconcile.OperationDelete:
	default:
		return fmt.Errorf("%w: operation %q", ErrInvalidChange, change.Operation)
	}
	return nil
}

// Claim marks up to limit due, unconflicted pending items as syncing and returns them in
// FIFO order. At most one item per record is claimed; a later item for the same record
// waits for the earlier one to settle. Items added after the claim stay pending.
func (s *Store) Claim(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	var claimed []Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []Item
		if err := tx.Where("status = ? AND conflict = ? AND next_attempt_at_us <= ?", StatusPending, false, now).
			Order("created_at_us ASC").
			Order("id ASC").
			Find(&candidates).Error; err != nil {
			return storageError("select pending", err)
		}

		busy, err := recordsInFlight(tx)
		if err != nil {
			return err
		}

		ids := make([]string, 0, limit)
		for _, candidate := range candidates {
			if len(ids) >= limit {
				break
			}
			key := candidate.Table + "\x00" + candidate.RecordID
			if _, taken := busy[key]; taken {
				continue
			}
			busy[key] = struct{}{}
			candidate.Status = StatusSyncing
			candidate.UpdatedAtMicros = now
			claimed = append(claimed, candidate)
			ids = append(ids, candidate.ID)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&Item{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"status": StatusSyncing, "updated_at_us": now}).Error; err != nil {
			return storageError("mark syncing", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// recordsInFlight returns the records that already have a syncing item or an unresolved conflict.
func recordsInFlight(tx *gorm.DB) (map[string]struct{}, error) {
	var blocked []Item
	if err := tx.Select("table_name", "record_id").
		Where("status = ? OR (status = ? AND conflict = ?)", StatusSyncing, StatusPending, true).
		Find(&blocked).Error; err != nil {
		return nil, storageError("select in-flight", err)
	}
	keys := make(map[string]struct{}, len(blocked))
	for _, item := range blocked {
		keys[item.Table+"\x00"+item.RecordID] = struct{}{}
	}
	return keys, nil
}

// Complete retires a confirmed item. With a zero audit window the item is deleted,
// otherwise it is kept as completed until PurgeCompleted removes it.
func (s *Store) Complete(ctx context.Context, id string, auditWindow time.Duration) error {
	db := s.db.WithContext(ctx)
	if auditWindow <= 0 {
		result := db.Where("id = ?", id).Delete(&Item{})
		if result.Error != nil {
			return storageError("delete item", result.Error)
		}
		return nil
	}
	now := s.now()
	err := db.Model(&Item{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":          StatusCompleted,
		"conflict":        false,
		"completed_at_us": now,
		"updated_at_us":   now,
		"last_error":      "",
	}).Error
	if err != nil {
		return storageError("complete item", err)
	}
	return nil
}

// Rebase moves pending items of a record onto the version the server just confirmed.
func (s *Store) Rebase(ctx context.Context, table, recordID string, version int64) error {
	err := s.db.WithContext(ctx).Model(&Item{}).
		Where("table_name = ? AND record_id = ? AND status = ? AND conflict = ?", table, recordID, StatusPending, false).
		Update("base_version", version).Error
	if err != nil {
		return storageError("rebase items", err)
	}
	return nil
}

// Retry records a transient failure. The item returns to pending with the given next attempt
// time, or becomes failed once retryCount reaches maxRetries.
func (s *Store) Retry(ctx context.Context, id string, cause string, nextAttempt time.Time, maxRetries int) (Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&item).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrItemNotFound
			}
			return storageError("load item", err)
		}
		item.RetryCount++
		item.LastError = truncate(cause)
		item.UpdatedAtMicros = s.now()
		if maxRetries > 0 && item.RetryCount >= maxRetries {
			item.Status = StatusFailed
		} else {
			item.Status = StatusPending
			item.NextAttemptAtMicros = nextAttempt.UTC().UnixMicro()
		}
		if err := tx.Save(&item).Error; err != nil {
			return storageError("save retry", err)
		}
		return nil
	})
	return item, err
}

// Fail marks an item failed without further retries, e.g. after a validation error.
func (s *Store) Fail(ctx context.Context, id string, cause string) error {
	err := s.db.WithContext(ctx).Model(&Item{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        StatusFailed,
		"last_error":    truncate(cause),
		"updated_at_us": s.now(),
	}).Error
	if err != nil {
		return storageError("fail item", err)
	}
	return nil
}

// MarkConflict parks an item as pending with its conflict snapshot. Claim skips it until resolved.
func (s *Store) MarkConflict(ctx context.Context, id string, snapshot ConflictSnapshot) error {
	err := s.db.WithContext(ctx).Model(&Item{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                        StatusPending,
		"conflict":                      true,
		"conflict_server_data":          datatypes.JSON(snapshot.ServerData),
		"conflict_server_version":       snapshot.ServerVersion,
		"conflict_server_updated_at_us": snapshot.ServerUpdatedAt.UTC().UnixMicro(),
		"conflict_server_deleted":       snapshot.ServerDeleted,
		"updated_at_us":                 s.now(),
	}).Error
	if err != nil {
		return storageError("mark conflict", err)
	}
	return nil
}

// Release returns claimed items to pending without spending a retry, e.g. when the
// server rejected the session rather than the data.
func (s *Store) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&Item{}).
		Where("id IN ? AND status = ?", ids, StatusSyncing).
		Updates(map[string]interface{}{"status": StatusPending, "updated_at_us": s.now()}).Error
	if err != nil {
		return storageError("release items", err)
	}
	return nil
}

// Requeue returns a failed item to pending with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Item{}).
		Where("id = ? AND status = ?", id, StatusFailed).
		Updates(map[string]interface{}{
			"status":             StatusPending,
			"retry_count":        0,
			"next_attempt_at_us": 0,
			"updated_at_us":      s.now(),
		})
	if result.Error != nil {
		return storageError("requeue item", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// ResetSyncing returns items left syncing by a crash to pending.
func (s *Store) ResetSyncing(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Item{}).
		Where("status = ?", StatusSyncing).
		Updates(map[string]interface{}{"status": StatusPending, "updated_at_us": s.now()})
	if result.Error != nil {
		return 0, storageError("reset syncing", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("returned interrupted queue items to pending", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// PurgeCompleted deletes completed items older than the audit window.
func (s *Store) PurgeCompleted(ctx context.Context, auditWindow time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-auditWindow).UnixMicro()
	result := s.db.WithContext(ctx).
		Where("status = ? AND completed_at_us < ?", StatusCompleted, cutoff).
		Delete(&Item{})
	if result.Error != nil {
		return 0, storageError("purge completed", result.Error)
	}
	return result.RowsAffected, nil
}

// Get loads one item.
func (s *Store) Get(ctx context.Context, id string) (Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, storageError("load item", err)
	}
	return item, nil
}

// Pending returns every pending item in insertion order.
func (s *Store) Pending(ctx context.Context) ([]Item, error) {
	return s.list(ctx, s.db.Where("status = ?", StatusPending))
}

// ByTable returns every item of one table in insertion order.
func (s *Store) ByTable(ctx context.Context, table string) ([]Item, error) {
	return s.list(ctx, s.db.Where("table_name = ?", table))
}

// Conflicts returns the items awaiting a conflict resolution.
func (s *Store) Conflicts(ctx context.Context) ([]Item, error) {
	return s.list(ctx, s.db.Where("status = ? AND conflict = ?", StatusPending, true))
}

// FindConflict returns the unresolved conflict item of a record.
func (s *Store) FindConflict(ctx context.Context, table, recordID string) (Item, error) {
	var item Item
	err := s.db.WithContext(ctx).
		Where("table_name = ? AND record_id = ? AND status = ? AND conflict = ?", table, recordID, StatusPending, true).
		Order("created_at_us ASC").
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, storageError("find conflict", err)
	}
	return item, nil
}

func (s *Store) list(ctx context.Context, query *gorm.DB) ([]Item, error) {
	var items []Item
	if err := query.WithContext(ctx).Order("created_at_us ASC").Order("id ASC").Find(&items).Error; err != nil {
		return nil, storageError("list items", err)
	}
	return items, nil
}

// Stats counts items per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	type statusCount struct {
		Status   Status `gorm:"column:status"`
		Conflict bool   `gorm:"column:conflict"`
		Count    int64  `gorm:"column:item_count"`
	}
	var rows []statusCount
	if err := s.db.WithContext(ctx).Model(&Item{}).
		Select("status, conflict, COUNT(*) AS item_count").
		Group("status, conflict").
		Scan(&rows).Error; err != nil {
		return Stats{}, storageError("count items", err)
	}
	var stats Stats
	for _, row := range rows {
		switch row.Status {
		case StatusPending:
			stats.Pending += row.Count
			if row.Conflict {
				stats.Conflicts += row.Count
			}
		case StatusSyncing:
			stats.Syncing += row.Count
		case StatusCompleted:
			stats.Completed += row.Count
		case StatusFailed:
			stats.Failed += row.Count
		}
	}
	return stats, nil
}

// Blocks reports whether the record has a local change the server has not confirmed yet,
// including unresolved conflicts. Pulled data must not overwrite such a record.
func Blocks(tx *gorm.DB, table, recordID string) (bool, error) {
	var count int64
	err := tx.Model(&Item{}).
		Where("table_name = ? AND record_id = ? AND status IN ?", table, recordID, []Status{StatusPending, StatusSyncing}).
		Count(&count).Error
	if err != nil {
		return false, storageError("check unconfirmed", err)
	}
	return count > 0, nil
}

func truncate(value string) string {
	if len(value) <= maxErrorLength {
		return value
	}
	return value[:maxErrorLength]
}
