package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillRecordCreatedAt  = "2026-10-01_backfill_sync_record_created_at"
	migrationNormalizeQueueOperations = "2026-10-01_normalize_queue_upsert_operations"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var serverMigrations = []migrationDefinition{
	{name: migrationBackfillRecordCreatedAt, apply: backfillRecordCreatedAt},
}

var agentMigrations = []migrationDefinition{
	{name: migrationNormalizeQueueOperations, apply: normalizeQueueOperations},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillRecordCreatedAt fills creation stamps for rows imported without one.
func backfillRecordCreatedAt(db *gorm.DB) error {
	return db.Model(&reconcile.CanonicalRecord{}).
		Where("created_at_us = 0").
		Update("created_at_us", gorm.Expr("server_updated_at_us")).Error
}

// normalizeQueueOperations rewrites the legacy "upsert" operation name.
func normalizeQueueOperations(db *gorm.DB) error {
	return db.Model(&queue.Item{}).
		Where("operation = ?", "upsert").
		Update("operation", string(reconcile.OperationUpdate)).Error
}
