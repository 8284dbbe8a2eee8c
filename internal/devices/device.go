package devices

import (
	"strings"
	"time"
)

// Device records which tenant and branch a terminal belongs to and when it last synced.
type Device struct {
	DeviceID   string     `gorm:"column:device_id;primaryKey;size:190;not null"`
	ClientID   string     `gorm:"column:client_id;size:190;not null;index:idx_devices_scope,priority:1"`
	BranchID   string     `gorm:"column:branch_id;size:190;not null;index:idx_devices_scope,priority:2"`
	Role       string     `gorm:"column:role;size:16;not null;default:device"`
	LastSeenAt time.Time  `gorm:"column:last_seen_at"`
	LastSyncAt *time.Time `gorm:"column:last_sync_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the device registry.
func (Device) TableName() string {
	return "sync_devices"
}

// Registration is the identity a session presents for a terminal.
type Registration struct {
	DeviceID string
	ClientID string
	BranchID string
	Role     string
}

func (r Registration) normalized() Registration {
	return Registration{
		DeviceID: normalize(r.DeviceID),
		ClientID: normalize(r.ClientID),
		BranchID: normalize(r.BranchID),
		Role:     normalize(r.Role),
	}
}

func (r Registration) binding() string {
	return r.ClientID + "/" + r.BranchID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
