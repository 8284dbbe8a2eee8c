package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tillsync/internal/devices"
	"github.com/MarcoPoloResearchLab/tillsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/replica"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	// DriverSQLite selects the embedded SQLite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL store.
	DriverPostgres = "postgres"
)

// sqlitePragmas make a committed transaction survive power loss, which the change queue
// relies on: an item acknowledged to the caller must still be there after a crash.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=FULL",
	"PRAGMA busy_timeout=5000",
}

// Open connects the canonical server store and migrates its schema.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := connect(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&reconcile.CanonicalRecord{},
		&reconcile.TenantClock{},
		&outbox.Entry{},
		&devices.Device{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, serverMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}
	return db, nil
}

// OpenAgent opens the terminal's local SQLite file holding the change queue and replica.
func OpenAgent(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := connect(DriverSQLite, path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&queue.Item{}, &replica.Record{}, &replica.Deferred{}, &replica.Cursor{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, agentMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("agent database initialized", zap.String("path", path))
	}
	return db, nil
}

func connect(driver, dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	switch driver {
	case DriverSQLite:
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		for _, pragma := range sqlitePragmas {
			if err := db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
		return db, nil
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
