package engine

import (
	"context"

	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"go.uber.org/zap"
)

// ApplyLive handles a message from the live channel. Outbox broadcasts are canonical and go
// straight into the replica without moving the pull cursor. Peer notifications are not
// canonical, so they only bring the next pull forward.
func (e *Engine) ApplyLive(ctx context.Context, message wire.Message) error {
	switch msg := message.(type) {
	case wire.Sync:
		if msg.OriginDeviceID == e.deviceID {
			return nil
		}
		applied, err := e.replica.ApplyLive(ctx, reconcile.Change{
			Table:           msg.Table,
			RecordID:        msg.RecordID,
			BranchID:        msg.BranchID,
			Data:            msg.Data,
			IsDeleted:       msg.IsDeleted,
			SyncVersion:     msg.SyncVersion,
			ServerUpdatedAt: msg.ServerUpdatedAt,
			OriginDeviceID:  msg.OriginDeviceID,
		}, queue.Blocks)
		if err != nil {
			return e.pause(err)
		}
		if applied {
			e.logger.Debug("applied live change",
				zap.String("table", msg.Table),
				zap.String("record_id", msg.RecordID),
				zap.Int64("sync_version", msg.SyncVersion),
			)
		}
	case wire.SyncUpdate:
		if msg.OriginDeviceID == e.deviceID {
			return nil
		}
		e.pullRequested.Store(true)
		e.Trigger()
	case wire.Connected:
		e.SetOnline(true)
	case wire.ErrorMessage:
		e.logger.Warn("live channel error", zap.String("code", msg.Code), zap.String("message", msg.Message))
	}
	return nil
}
