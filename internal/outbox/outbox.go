// Package outbox stores change notifications written in the same transaction as the
// canonical mutation they describe, so that fan-out survives broker restarts.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidEntry indicates an entry is missing routing fields.
	ErrInvalidEntry = errors.New("outbox: invalid entry")
	errMissingDB    = errors.New("outbox: database handle is required")
)

// Entry is one pending broadcast. ProcessedAtMicros stays nil until the broker has handled it.
type Entry struct {
	ID                string `gorm:"column:id;primaryKey;size:36;not null"`
	ClientID          string `gorm:"column:client_id;size:190;not null;index:idx_outbox_scope,priority:1"`
	BranchID          string `gorm:"column:branch_id;size:190;not null;index:idx_outbox_scope,priority:2"`
	DeviceID          string `gorm:"column:device_id;size:190;not null"`
	EntityType        string `gorm:"column:entity_type;size:64;not null"`
	EntityID          string `gorm:"column:entity_id;size:190;not null"`
	Operation         string `gorm:"column:operation;size:16;not null"`
	CreatedAtMicros   int64  `gorm:"column:created_at_us;not null;index:idx_outbox_pending,priority:2"`
	ProcessedAtMicros *int64 `gorm:"column:processed_at_us;index:idx_outbox_pending,priority:1;index:idx_outbox_scope,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_outbox"
}

// CreatedAt converts the stored creation stamp to a time.
func (e Entry) CreatedAt() time.Time {
	return time.UnixMicro(e.CreatedAtMicros).UTC()
}

// Processed reports whether the broker already handled the entry.
func (e Entry) Processed() bool {
	return e.ProcessedAtMicros != nil
}

// Append writes an entry using the caller's transaction. Callers must pass the same
// transaction that performs the canonical write.
func Append(tx *gorm.DB, entry Entry) (Entry, error) {
	if tx == nil {
		return Entry{}, errMissingDB
	}
	if strings.TrimSpace(entry.ClientID) == "" || strings.TrimSpace(entry.BranchID) == "" {
		return Entry{}, fmt.Errorf("%w: scope", ErrInvalidEntry)
	}
	if strings.TrimSpace(entry.EntityType) == "" || strings.TrimSpace(entry.EntityID) == "" {
		return Entry{}, fmt.Errorf("%w: entity", ErrInvalidEntry)
	}
	if strings.TrimSpace(entry.Operation) == "" {
		return Entry{}, fmt.Errorf("%w: operation", ErrInvalidEntry)
	}
	if entry.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Entry{}, err
		}
		entry.ID = id.String()
	}
	if entry.CreatedAtMicros == 0 {
		entry.CreatedAtMicros = time.Now().UTC().UnixMicro()
	}
	entry.ProcessedAtMicros = nil
	if err := tx.Create(&entry).Error; err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// StoreConfig describes the outbox store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and retires outbox entries on behalf of the broker.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDB
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

// FetchPending returns up to limit unprocessed entries, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("processed_at_us IS NULL").
		Order("created_at_us ASC").
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	return entries, nil
}

// MarkProcessed stamps the entry as handled. Marking twice is harmless.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	processedAt := s.clock().UTC().UnixMicro()
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("id = ? AND processed_at_us IS NULL", id).
		Update("processed_at_us", processedAt).Error
	if err != nil {
		return fmt.Errorf("outbox: mark processed %s: %w", id, err)
	}
	return nil
}

// Purge deletes processed entries older than the retention window and reports how many were removed.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock().UTC().Add(-retention).UnixMicro()
	result := s.db.WithContext(ctx).
		Where("processed_at_us IS NOT NULL AND processed_at_us < ?", cutoff).
		Delete(&Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("outbox: purge: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("outbox purged", zap.Int64("removed", result.RowsAffected), zap.Duration("retention", retention))
	}
	return result.RowsAffected, nil
}

// CountPending counts unprocessed entries for one branch.
func (s *Store) CountPending(ctx context.Context, clientID, branchID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("client_id = ? AND branch_id = ? AND processed_at_us IS NULL", clientID, branchID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("outbox: count pending: %w", err)
	}
	return count, nil
}

// Backlog counts every unprocessed entry.
func (s *Store) Backlog(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Entry{}).Where("processed_at_us IS NULL").Count(&count).Error; err != nil {
		return 0, fmt.Errorf("outbox: backlog: %w", err)
	}
	return count, nil
}
