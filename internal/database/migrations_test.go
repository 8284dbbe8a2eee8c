package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsCreatedAt(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&reconcile.CanonicalRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	record := reconcile.CanonicalRecord{
		ClientID:              "merchant-1",
		BranchID:              "branch-1",
		Table:                 "products",
		RecordID:              "p1",
		Data:                  datatypes.JSON(`{}`),
		SyncVersion:           1,
		ServerUpdatedAtMicros: 42,
	}
	if err := database.Create(&record).Error; err != nil {
		testContext.Fatalf("failed to insert record: %v", err)
	}

	if err := applyMigrations(database, serverMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored reconcile.CanonicalRecord
	if err := database.Where("record_id = ?", "p1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload record: %v", err)
	}
	if stored.CreatedAtMicros != 42 {
		testContext.Fatalf("expected created_at to be backfilled, got %d", stored.CreatedAtMicros)
	}

	var migration migrationRecord
	if err := database.Where("name = ?", migrationBackfillRecordCreatedAt).Take(&migration).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if migration.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, serverMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("re-applying migrations must be a no-op: %v", err)
	}
}

func TestOpenAgentNormalizesLegacyOperations(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "agent.db")

	legacy, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := legacy.AutoMigrate(&queue.Item{}); err != nil {
		testContext.Fatalf("failed to migrate queue: %v", err)
	}
	item := queue.Item{ID: "item-1", Table: "products", RecordID: "p1", Operation: "upsert", Status: queue.StatusPending, Data: datatypes.JSON(`{}`)}
	if err := legacy.Create(&item).Error; err != nil {
		testContext.Fatalf("failed to insert legacy item: %v", err)
	}
	if sqlDB, err := legacy.DB(); err == nil {
		sqlDB.Close()
	}

	database, err := OpenAgent(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open agent database: %v", err)
	}
	var stored queue.Item
	if err := database.Where("id = ?", "item-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload item: %v", err)
	}
	if stored.Operation != string(reconcile.OperationUpdate) {
		testContext.Fatalf("expected operation to be normalized, got %q", stored.Operation)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("mysql", "dsn", zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(DriverSQLite, "", zap.NewNop()); err == nil {
		testContext.Fatalf("expected missing dsn error")
	}
}

func TestOpenMigratesServerSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "server.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"sync_records", "sync_clocks", "sync_outbox", "sync_devices", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}
