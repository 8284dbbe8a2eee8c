package reconcile

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	"gorm.io/datatypes"
)

type verdict int

const (
	verdictApply verdict = iota
	verdictUnchanged
	verdictConflict
)

// decide applies last-write-wins with sync_version as the authoritative signal.
// Terminals that do not report a base version fall back to comparing the client
// timestamp against server_updated_at.
func decide(existing *CanonicalRecord, change ChangeRecord) verdict {
	if existing == nil {
		return verdictApply
	}
	if samePayload(existing, change) {
		return verdictUnchanged
	}

	if change.BaseVersion != nil {
		if *change.BaseVersion < existing.SyncVersion {
			return verdictConflict
		}
		return verdictApply
	}

	if existing.ServerUpdatedAtMicros > change.ClientTimestamp.UnixMicro() {
		return verdictConflict
	}
	return verdictApply
}

func samePayload(existing *CanonicalRecord, change ChangeRecord) bool {
	if existing.IsDeleted != change.Deletes() {
		return false
	}
	if change.Deletes() && len(change.Data) == 0 {
		return true
	}
	return jsonEqual(json.RawMessage(existing.Data), change.Data)
}

func jsonEqual(left, right json.RawMessage) bool {
	if bytes.Equal(left, right) {
		return true
	}
	var leftValue, rightValue any
	if err := json.Unmarshal(left, &leftValue); err != nil {
		return false
	}
	if err := json.Unmarshal(right, &rightValue); err != nil {
		return false
	}
	return reflect.DeepEqual(leftValue, rightValue)
}

// applyChange builds the next canonical row. stampMicros comes from the tenant clock.
func applyChange(existing *CanonicalRecord, scope TenantScope, change ChangeRecord, stampMicros int64) CanonicalRecord {
	updated := CanonicalRecord{
		ClientID:        scope.ClientID,
		BranchID:        scope.BranchID,
		Table:           change.Table,
		RecordID:        change.RecordID,
		CreatedAtMicros: stampMicros,
	}
	if existing != nil {
		updated = *existing
	}

	if change.Deletes() {
		updated.IsDeleted = true
		if len(change.Data) > 0 {
			updated.Data = datatypes.JSON(change.Data)
		}
	} else {
		updated.IsDeleted = false
		updated.Data = datatypes.JSON(change.Data)
	}
	if len(updated.Data) == 0 {
		updated.Data = datatypes.JSON("{}")
	}

	updated.SyncVersion++
	if updated.SyncVersion <= 0 {
		updated.SyncVersion = 1
	}
	updated.ServerUpdatedAtMicros = stampMicros
	updated.ClientUpdatedAtMicros = change.ClientTimestamp.UnixMicro()
	updated.LastDeviceID = scope.DeviceID
	return updated
}

func conflictFor(existing *CanonicalRecord, change ChangeRecord) Conflict {
	return Conflict{
		Table:           change.Table,
		RecordID:        change.RecordID,
		LocalData:       change.Data,
		ServerData:      json.RawMessage(existing.Data),
		LocalUpdatedAt:  change.ClientTimestamp.UTC(),
		ServerUpdatedAt: existing.ServerUpdatedAt(),
		ServerVersion:   existing.SyncVersion,
		ServerDeleted:   existing.IsDeleted,
	}
}

// nextStamp returns a stamp strictly after the tenant's previous one.
func nextStamp(now time.Time, lastStampMicros int64) int64 {
	stamp := now.UTC().UnixMicro()
	if stamp <= lastStampMicros {
		stamp = lastStampMicros + 1
	}
	return stamp
}
