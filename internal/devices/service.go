package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrInvalidRegistration indicates the session did not carry usable identifiers.
	ErrInvalidRegistration = errors.New("devices: invalid registration")
	// ErrTenantMismatch indicates a known device presented a different tenant or branch.
	ErrTenantMismatch = errors.New("devices: device is registered to another tenant or branch")
	// ErrUnknownDevice indicates no registry row exists for the device.
	ErrUnknownDevice = errors.New("devices: unknown device")
)

// ServiceConfig describes the dependencies required for the device registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service binds terminals to a single tenant branch and tracks their sync activity.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the device registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Touch registers the device on first sight and refreshes last_seen_at afterwards.
// A device may never move between tenants or branches without being re-provisioned.
func (s *Service) Touch(ctx context.Context, registration Registration) error {
	reg := registration.normalized()
	if reg.DeviceID == "" || reg.ClientID == "" || reg.BranchID == "" {
		return ErrInvalidRegistration
	}

	if cached, ok := s.cache.Load(reg.DeviceID); ok {
		if binding, ok := cached.(string); ok && binding != reg.binding() {
			return ErrTenantMismatch
		}
	}

	var device Device
	err := s.db.WithContext(ctx).
		Where("device_id = ?", reg.DeviceID).
		First(&device).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		device = Device{
			DeviceID:   reg.DeviceID,
			ClientID:   reg.ClientID,
			BranchID:   reg.BranchID,
			Role:       reg.Role,
			LastSeenAt: s.now().UTC(),
		}
		if device.Role == "" {
			device.Role = "device"
		}
		if err := s.db.WithContext(ctx).Create(&device).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		if device.ClientID != reg.ClientID || device.BranchID != reg.BranchID {
			s.cache.Store(reg.DeviceID, device.ClientID+"/"+device.BranchID)
			return ErrTenantMismatch
		}
		updates := map[string]interface{}{"last_seen_at": s.now().UTC()}
		if reg.Role != "" && reg.Role != device.Role {
			updates["role"] = reg.Role
		}
		_ = s.db.WithContext(ctx).Model(&Device{}).
			Where("device_id = ?", reg.DeviceID).
			Updates(updates).
			Error
	}

	s.cache.Store(reg.DeviceID, reg.binding())
	return nil
}

// MarkSynced records a completed push or pull for the device.
func (s *Service) MarkSynced(ctx context.Context, deviceID string) error {
	syncedAt := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ?", normalize(deviceID)).
		Update("last_sync_at", syncedAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownDevice
	}
	return nil
}

// LastSyncAt returns the most recent sync of the device, or nil when it never synced.
func (s *Service) LastSyncAt(ctx context.Context, deviceID string) (*time.Time, error) {
	var device Device
	err := s.db.WithContext(ctx).
		Where("device_id = ?", normalize(deviceID)).
		First(&device).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, err
	}
	if device.LastSyncAt == nil {
		return nil, nil
	}
	syncedAt := device.LastSyncAt.UTC()
	return &syncedAt, nil
}
