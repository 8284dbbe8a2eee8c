package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/replica"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func conflictFromItem(item queue.Item) Conflict {
	conflict := Conflict{
		ItemID:         item.ID,
		Table:          item.Table,
		RecordID:       item.RecordID,
		LocalData:      json.RawMessage(item.Data),
		LocalDeleted:   item.Deletes(),
		LocalUpdatedAt: item.ClientUpdatedAt(),
	}
	if snapshot, ok := item.Snapshot(); ok {
		conflict.ServerData = snapshot.ServerData
		conflict.ServerVersion = snapshot.ServerVersion
		conflict.ServerUpdatedAt = snapshot.ServerUpdatedAt
		conflict.ServerDeleted = snapshot.ServerDeleted
	}
	return conflict
}

func snapshotFromWire(conflict wire.Conflict) queue.ConflictSnapshot {
	return queue.ConflictSnapshot{
		ServerData:      conflict.ServerData,
		ServerVersion:   conflict.ServerVersion,
		ServerUpdatedAt: conflict.ServerUpdatedAt,
		ServerDeleted:   conflict.ServerDeleted,
	}
}

func snapshotFromChange(change wire.Change) queue.ConflictSnapshot {
	return queue.ConflictSnapshot{
		ServerData:      change.Data,
		ServerVersion:   change.SyncVersion,
		ServerUpdatedAt: change.ServerUpdatedAt,
		ServerDeleted:   change.IsDeleted,
	}
}

// handleConflict routes a conflict reported by a push to the configured policy. Only storage
// failures are returned; a failed automatic resolution retries the item later.
func (e *Engine) handleConflict(ctx context.Context, item queue.Item, reported wire.Conflict) error {
	snapshot := snapshotFromWire(reported)
	conflict := conflictFromItem(item)
	conflict.ServerData = snapshot.ServerData
	conflict.ServerVersion = snapshot.ServerVersion
	conflict.ServerUpdatedAt = snapshot.ServerUpdatedAt
	conflict.ServerDeleted = snapshot.ServerDeleted

	switch e.policy {
	case PolicyServer:
		if err := e.keepServer(ctx, item, snapshot); err != nil {
			return err
		}
		conflict.Resolved = PolicyServer
	case PolicyClient:
		response, err := e.remote.Resolve(ctx, wire.ResolveRequest{
			Table:      item.Table,
			RecordID:   item.RecordID,
			Resolution: string(reconcile.ResolutionAcceptClient),
			ClientData: json.RawMessage(item.Data),
			IsDeleted:  item.Deletes(),
		})
		if err != nil {
			e.logger.Warn("automatic conflict override failed",
				zap.String("table", item.Table),
				zap.String("record_id", item.RecordID),
				zap.Error(err),
			)
			next := e.clock().Add(e.backoffFor(item.RetryCount + 1))
			if _, retryErr := e.queue.Retry(ctx, item.ID, err.Error(), next, e.maxRetries); retryErr != nil {
				return e.pause(retryErr)
			}
			return nil
		}
		if err := e.settleAccepted(ctx, item, response); err != nil {
			return err
		}
		conflict.Resolved = PolicyClient
	default:
		if err := e.queue.MarkConflict(ctx, item.ID, snapshot); err != nil {
			return e.pause(err)
		}
	}

	e.logger.Info("sync conflict",
		zap.String("table", item.Table),
		zap.String("record_id", item.RecordID),
		zap.Int64("server_version", snapshot.ServerVersion),
		zap.String("resolved_by", string(conflict.Resolved)),
	)
	e.emit(Event{Kind: EventConflict, Conflict: &conflict})
	return nil
}

// keepServer drops the local edit and restores the given server row, unless newer local edits
// of the record are still queued.
func (e *Engine) keepServer(ctx context.Context, item queue.Item, snapshot queue.ConflictSnapshot) error {
	if err := e.queue.Complete(ctx, item.ID, e.auditWindow); err != nil {
		return e.pause(err)
	}
	blocked, err := queue.Blocks(e.replica.Database().WithContext(ctx), item.Table, item.RecordID)
	if err != nil {
		return e.pause(err)
	}
	if blocked {
		return nil
	}
	err = e.replica.Overwrite(ctx, reconcile.Change{
		Table:           item.Table,
		RecordID:        item.RecordID,
		BranchID:        e.branchID,
		Data:            snapshot.ServerData,
		IsDeleted:       snapshot.ServerDeleted,
		SyncVersion:     snapshot.ServerVersion,
		ServerUpdatedAt: snapshot.ServerUpdatedAt,
	})
	if err != nil {
		return e.pause(err)
	}
	return nil
}

func (e *Engine) settleAccepted(ctx context.Context, item queue.Item, response wire.ResolveResponse) error {
	if response.Applied == nil {
		if err := e.queue.Complete(ctx, item.ID, e.auditWindow); err != nil {
			return e.pause(err)
		}
		return nil
	}
	return e.confirm(ctx, item, *response.Applied)
}

// ResolveConflict settles an unresolved conflict of a record. With accept_client, override
// replaces the queued payload when given.
func (e *Engine) ResolveConflict(ctx context.Context, table, recordID string, resolution reconcile.Resolution, override json.RawMessage) (Conflict, error) {
	item, err := e.queue.FindConflict(ctx, table, recordID)
	if errors.Is(err, queue.ErrItemNotFound) {
		return Conflict{}, ErrNoConflict
	}
	if err != nil {
		return Conflict{}, e.pause(err)
	}
	conflict := conflictFromItem(item)
	snapshot, _ := item.Snapshot()

	switch resolution {
	case reconcile.ResolutionAcceptServer:
		response, err := e.remote.Resolve(ctx, wire.ResolveRequest{
			Table:      table,
			RecordID:   recordID,
			Resolution: string(resolution),
		})
		if err != nil {
			return Conflict{}, err
		}
		// The record may have moved on since the conflict was parked.
		if response.Current != nil {
			snapshot = snapshotFromChange(*response.Current)
		}
		if err := e.keepServer(ctx, item, snapshot); err != nil {
			return Conflict{}, err
		}
	case reconcile.ResolutionAcceptClient:
		data := json.RawMessage(item.Data)
		if len(override) > 0 {
			if !json.Valid(override) {
				return Conflict{}, fmt.Errorf("%w: override must be a JSON document", queue.ErrInvalidChange)
			}
			data = override
		}
		response, err := e.remote.Resolve(ctx, wire.ResolveRequest{
			Table:      table,
			RecordID:   recordID,
			Resolution: string(resolution),
			ClientData: data,
			IsDeleted:  item.Deletes(),
		})
		if err != nil {
			return Conflict{}, err
		}
		if len(override) > 0 {
			err := e.replica.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				_, err := replica.WriteLocalTx(tx, e.branchID, e.deviceID, table, recordID, data, item.Deletes(), e.clock())
				return err
			})
			if err != nil {
				return Conflict{}, e.pause(err)
			}
			item.Data = []byte(data)
		}
		if err := e.settleAccepted(ctx, item, response); err != nil {
			return Conflict{}, err
		}
	default:
		return Conflict{}, fmt.Errorf("%w: %q", reconcile.ErrInvalidResolution, resolution)
	}

	e.logger.Info("sync conflict resolved",
		zap.String("table", table),
		zap.String("record_id", recordID),
		zap.String("resolution", string(resolution)),
	)
	return conflict, nil
}

// PendingConflicts lists conflicts awaiting the operator.
func (e *Engine) PendingConflicts(ctx context.Context) ([]Conflict, error) {
	items, err := e.queue.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	conflicts := make([]Conflict, 0, len(items))
	for _, item := range items {
		conflicts = append(conflicts, conflictFromItem(item))
	}
	return conflicts, nil
}
