package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/transport"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// SyncNow runs one push and pull cycle. A call made while a cycle is in flight waits for that
// cycle and returns its report with Coalesced set instead of starting a second one.
func (e *Engine) SyncNow(ctx context.Context) (CycleReport, error) {
	return e.syncOnce(ctx, true)
}

func (e *Engine) syncOnce(ctx context.Context, forcePull bool) (CycleReport, error) {
	e.mu.Lock()
	if e.paused != nil {
		err := e.paused
		e.mu.Unlock()
		return CycleReport{}, fmt.Errorf("%w: %v", ErrPaused, err)
	}
	if running := e.inflight; running != nil {
		e.mu.Unlock()
		select {
		case <-running.done:
			report := running.report
			report.Coalesced = true
			return report, running.err
		case <-ctx.Done():
			return CycleReport{Coalesced: true}, ctx.Err()
		}
	}
	current := &cycle{done: make(chan struct{})}
	e.inflight = current
	e.mu.Unlock()

	current.report, current.err = e.runCycle(ctx, forcePull)

	e.mu.Lock()
	e.inflight = nil
	report := current.report
	e.lastReport = &report
	e.mu.Unlock()
	close(current.done)
	return current.report, current.err
}

func (e *Engine) runCycle(ctx context.Context, forcePull bool) (CycleReport, error) {
	report := CycleReport{StartedAt: e.clock().UTC()}
	if !e.Online() && !e.probe(ctx) {
		report.FinishedAt = e.clock().UTC()
		report.Err = ErrOffline
		metrics.AgentCycles.WithLabelValues("offline").Inc()
		return report, ErrOffline
	}
	e.emit(Event{Kind: EventCycleStarted})

	err := e.cycleSteps(ctx, &report, forcePull)
	report.FinishedAt = e.clock().UTC()
	report.Err = err
	e.recordQueueDepth(ctx)

	result := "ok"
	switch {
	case errors.Is(err, ErrQueueCorrupted):
		result = "fatal"
	case err != nil:
		result = "error"
	}
	metrics.AgentCycles.WithLabelValues(result).Inc()

	finished := report
	e.emit(Event{Kind: EventCycleFinished, Report: &finished, Err: err})
	e.logger.Debug("sync cycle finished",
		zap.Int("pushed", report.Pushed),
		zap.Int("applied", report.Applied),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("pulled", report.Pulled),
		zap.Error(err),
	)
	return report, err
}

func (e *Engine) cycleSteps(ctx context.Context, report *CycleReport, forcePull bool) error {
	if e.auditWindow > 0 {
		if _, err := e.queue.PurgeCompleted(ctx, e.auditWindow); err != nil {
			return e.pause(err)
		}
	}
	if err := e.push(ctx, report); err != nil {
		return err
	}
	released, err := e.replica.ReleaseDeferred(ctx, queue.Blocks)
	if err != nil {
		return e.pause(err)
	}
	report.Pulled += released
	if !forcePull && !e.pullDue() {
		return nil
	}
	return e.pull(ctx, report)
}

func (e *Engine) pullDue() bool {
	if e.pullRequested.Swap(false) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPull.IsZero() || e.clock().Sub(e.lastPull) >= e.pullInterval
}

func (e *Engine) push(ctx context.Context, report *CycleReport) error {
	e.mu.Lock()
	limit := e.batchSize
	e.mu.Unlock()
	items, err := e.queue.Claim(ctx, limit)
	if err != nil {
		return e.pause(err)
	}
	if len(items) == 0 {
		return nil
	}
	report.Pushed = len(items)

	records := make([]wire.PushRecord, 0, len(items))
	byRecord := make(map[string]queue.Item, len(items))
	for _, item := range items {
		records = append(records, wire.PushRecord{
			Table:          item.Table,
			RecordID:       item.RecordID,
			Operation:      item.Operation,
			Data:           []byte(item.Data),
			LocalUpdatedAt: item.ClientUpdatedAt(),
			IsDeleted:      item.Deletes(),
			BaseVersion:    item.BaseVersion,
		})
		byRecord[recordKey(item.Table, item.RecordID)] = item
	}

	response, err := e.remote.Push(ctx, records)
	if err != nil {
		return e.pushFailed(ctx, items, err, report)
	}

	for _, applied := range response.Applied {
		key := recordKey(applied.Table, applied.RecordID)
		item, ok := byRecord[key]
		if !ok {
			continue
		}
		delete(byRecord, key)
		if err := e.confirm(ctx, item, applied); err != nil {
			return err
		}
		report.Applied++
	}

	for _, conflict := range response.Conflicts {
		key := recordKey(conflict.Table, conflict.RecordID)
		item, ok := byRecord[key]
		if !ok {
			continue
		}
		delete(byRecord, key)
		report.Conflicts++
		if err := e.handleConflict(ctx, item, conflict); err != nil {
			return err
		}
	}

	for _, rejected := range response.Errors {
		key := recordKey(rejected.Table, rejected.RecordID)
		item, ok := byRecord[key]
		if !ok {
			continue
		}
		delete(byRecord, key)
		report.Rejected++
		e.logger.Warn("server rejected queued change",
			zap.String("table", item.Table),
			zap.String("record_id", item.RecordID),
			zap.String("reason", rejected.Error),
		)
		if err := e.queue.Fail(ctx, item.ID, rejected.Error); err != nil {
			return e.pause(err)
		}
	}

	if len(byRecord) > 0 {
		leftover := make([]string, 0, len(byRecord))
		for _, item := range byRecord {
			leftover = append(leftover, item.ID)
		}
		if err := e.queue.Release(ctx, leftover); err != nil {
			return e.pause(err)
		}
	}
	return nil
}

// confirm retires a pushed item and moves the replica and later items onto the server version.
func (e *Engine) confirm(ctx context.Context, item queue.Item, applied wire.AppliedRecord) error {
	if err := e.queue.Complete(ctx, item.ID, e.auditWindow); err != nil {
		return e.pause(err)
	}
	if err := e.queue.Rebase(ctx, item.Table, item.RecordID, applied.SyncVersion); err != nil {
		return e.pause(err)
	}
	if err := e.replica.Confirm(ctx, item.Table, item.RecordID, applied.SyncVersion, applied.ServerUpdatedAt); err != nil {
		return e.pause(err)
	}
	if e.notifier != nil && !applied.Unchanged {
		e.notifier.Send(wire.SyncChange{
			Table:     item.Table,
			RecordID:  item.RecordID,
			Operation: item.Operation,
			Data:      []byte(item.Data),
			Timestamp: applied.ServerUpdatedAt,
		})
	}
	return nil
}

func (e *Engine) pushFailed(ctx context.Context, items []queue.Item, cause error, report *CycleReport) error {
	var statusErr *transport.StatusError
	if errors.As(cause, &statusErr) && !statusErr.Transient() {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		if statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden {
			if err := e.queue.Release(ctx, ids); err != nil {
				return e.pause(err)
			}
			return cause
		}
		// The server caps batches below our size. Halve it and try again; a single record
		// the server still refuses falls through and fails.
		if statusErr.StatusCode == http.StatusRequestEntityTooLarge && len(items) > 1 {
			if err := e.queue.Release(ctx, ids); err != nil {
				return e.pause(err)
			}
			limit := len(items) / 2
			e.mu.Lock()
			e.batchSize = limit
			e.mu.Unlock()
			e.logger.Warn("server refused push batch, shrinking",
				zap.Int("refused", len(items)),
				zap.Int("batch_size", limit),
			)
			return e.push(ctx, report)
		}
		for _, item := range items {
			report.Rejected++
			if err := e.queue.Fail(ctx, item.ID, cause.Error()); err != nil {
				return e.pause(err)
			}
		}
		return cause
	}

	if !errors.Is(cause, context.Canceled) && !errors.As(cause, &statusErr) {
		e.SetOnline(false)
	}
	now := e.clock()
	for _, item := range items {
		report.Retried++
		next := now.Add(e.backoffFor(item.RetryCount + 1))
		if _, err := e.queue.Retry(ctx, item.ID, cause.Error(), next, e.maxRetries); err != nil {
			return e.pause(err)
		}
	}
	return cause
}

// backoffFor returns the delay before the given attempt: base, 2*base, 4*base, ... capped at the maximum.
func (e *Engine) backoffFor(attempt int) time.Duration {
	backoff := retry.WithCappedDuration(e.backoffMax, retry.NewExponential(e.backoffBase))
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay, _ = backoff.Next()
	}
	return delay
}

func (e *Engine) pull(ctx context.Context, report *CycleReport) error {
	scope := e.cursorScope()
	for page := 0; page < maxPagesPerCycle; page++ {
		cursor, err := e.replica.Cursor(ctx, scope)
		if err != nil {
			return e.pause(err)
		}
		response, err := e.remote.Pull(ctx, transport.PullQuery{
			Since:      cursor,
			Tables:     e.tables,
			Limit:      e.pageSize,
			TenantWide: e.tenantWide,
		})
		if err != nil {
			var statusErr *transport.StatusError
			if !errors.Is(err, context.Canceled) && !errors.As(err, &statusErr) {
				e.SetOnline(false)
			}
			return err
		}
		changes := make([]reconcile.Change, 0, len(response.Changes))
		for _, change := range response.Changes {
			changes = append(changes, changeFromWire(change))
		}
		next := response.NextCursor
		if next == "" {
			next = cursor
		}
		result, err := e.replica.ApplyPage(ctx, scope, changes, next, queue.Blocks)
		if err != nil {
			return e.pause(err)
		}
		report.Pulled += result.Applied
		report.Skipped += result.Skipped
		if !response.HasMore || response.NextCursor == "" || response.NextCursor == cursor {
			break
		}
	}
	e.mu.Lock()
	e.lastPull = e.clock()
	e.mu.Unlock()
	return nil
}

func changeFromWire(change wire.Change) reconcile.Change {
	return reconcile.Change{
		Table:           change.Table,
		RecordID:        change.RecordID,
		BranchID:        change.BranchID,
		Data:            change.Data,
		IsDeleted:       change.IsDeleted,
		SyncVersion:     change.SyncVersion,
		ServerUpdatedAt: change.ServerUpdatedAt,
		OriginDeviceID:  change.OriginDeviceID,
	}
}

func recordKey(table, recordID string) string {
	return table + "\x00" + recordID
}

func (e *Engine) recordQueueDepth(ctx context.Context) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return
	}
	metrics.AgentQueueDepth.WithLabelValues(string(queue.StatusPending)).Set(float64(stats.Pending))
	metrics.AgentQueueDepth.WithLabelValues(string(queue.StatusSyncing)).Set(float64(stats.Syncing))
	metrics.AgentQueueDepth.WithLabelValues(string(queue.StatusCompleted)).Set(float64(stats.Completed))
	metrics.AgentQueueDepth.WithLabelValues(string(queue.StatusFailed)).Set(float64(stats.Failed))
	metrics.AgentQueueDepth.WithLabelValues("conflict").Set(float64(stats.Conflicts))
}
