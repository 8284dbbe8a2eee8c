package devices

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:tillsync_devices_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Device{}); err != nil {
		t.Fatalf("failed to migrate device schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestTouchRegistersAndRejectsBranchHopping(t *testing.T) {
	service := newTestService(t, func() time.Time { return time.Unix(1, 0) })
	ctx := context.Background()

	registration := Registration{DeviceID: "pos-1", ClientID: "merchant-1", BranchID: "branch-1"}
	if err := service.Touch(ctx, registration); err != nil {
		t.Fatalf("first touch failed: %v", err)
	}
	// second call should hit the cache and succeed.
	if err := service.Touch(ctx, registration); err != nil {
		t.Fatalf("second touch failed: %v", err)
	}

	moved := registration
	moved.BranchID = "branch-2"
	if err := service.Touch(ctx, moved); !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected tenant mismatch, got %v", err)
	}
}

func TestTouchDetectsMismatchWithoutCache(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	if err := service.Touch(ctx, Registration{DeviceID: "pos-1", ClientID: "merchant-1", BranchID: "branch-1"}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	service.cache.Delete("pos-1")

	err := service.Touch(ctx, Registration{DeviceID: "pos-1", ClientID: "merchant-2", BranchID: "branch-1"})
	if !errors.Is(err, ErrTenantMismatch) {
		t.Fatalf("expected tenant mismatch from database, got %v", err)
	}
}

func TestTouchRequiresIdentifiers(t *testing.T) {
	service := newTestService(t, nil)
	if err := service.Touch(context.Background(), Registration{DeviceID: "pos-1"}); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected invalid registration, got %v", err)
	}
}

func TestMarkSyncedUpdatesLastSyncAt(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return now })
	ctx := context.Background()

	if err := service.Touch(ctx, Registration{DeviceID: "pos-1", ClientID: "merchant-1", BranchID: "branch-1"}); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	lastSync, err := service.LastSyncAt(ctx, "pos-1")
	if err != nil {
		t.Fatalf("last sync failed: %v", err)
	}
	if lastSync != nil {
		t.Fatalf("expected no sync yet, got %v", lastSync)
	}

	if err := service.MarkSynced(ctx, "pos-1"); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
	lastSync, err = service.LastSyncAt(ctx, "pos-1")
	if err != nil {
		t.Fatalf("last sync failed: %v", err)
	}
	if lastSync == nil || !lastSync.Equal(now) {
		t.Fatalf("expected last sync %v, got %v", now, lastSync)
	}

	if err := service.MarkSynced(ctx, "ghost"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected unknown device, got %v", err)
	}
}
