// Package engine drives a terminal's sync lifecycle: it records local mutations, runs
// single-flight push and pull cycles on a timer or on demand, retries transient failures
// with per-item backoff, and routes conflicts to the configured policy.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/queue"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/replica"
	"github.com/MarcoPoloResearchLab/tillsync/internal/transport"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConflictPolicy selects how reported conflicts are settled.
type ConflictPolicy string

const (
	// PolicyServer discards the local edit and keeps the server's row.
	PolicyServer ConflictPolicy = "auto:server"
	// PolicyClient force-applies the local edit through resolve-conflict.
	PolicyClient ConflictPolicy = "auto:client"
	// PolicyManual parks the item and emits a conflict event for the operator.
	PolicyManual ConflictPolicy = "manual"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(value string) (ConflictPolicy, error) {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case PolicyServer:
		return PolicyServer, nil
	case PolicyClient:
		return PolicyClient, nil
	case PolicyManual:
		return PolicyManual, nil
	default:
		return "", fmt.Errorf("engine: unknown conflict policy %q", value)
	}
}

// State is the engine lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StatePaused  State = "paused"
)

const (
	defaultSyncInterval = 30 * time.Second
	defaultBatchSize    = 500
	defaultPageSize     = 500
	defaultMaxRetries   = 5
	defaultBackoffBase  = 2 * time.Second
	defaultBackoffMax   = 5 * time.Minute
	defaultEventBuffer  = 64
	maxPagesPerCycle    = 100
)

var (
	// ErrPaused indicates that sync is suspended after a local storage failure.
	ErrPaused = errors.New("engine: sync paused")
	// ErrQueueCorrupted indicates that the durable queue could not be read or written.
	ErrQueueCorrupted = errors.New("engine: change queue unavailable")
	// ErrOffline indicates that the server is unreachable.
	ErrOffline = errors.New("engine: server unreachable")
	// ErrNoConflict indicates that the record has no unresolved conflict.
	ErrNoConflict = errors.New("engine: no unresolved conflict for record")

	errMissingQueue    = errors.New("engine: queue store is required")
	errMissingReplica  = errors.New("engine: replica store is required")
	errMissingRemote   = errors.New("engine: remote is required")
	errMissingIdentity = errors.New("engine: device and branch ids are required")
)

// Remote is the server API the engine talks to. transport.Client satisfies it.
type Remote interface {
	Push(ctx context.Context, records []wire.PushRecord) (wire.PushResponse, error)
	Pull(ctx context.Context, query transport.PullQuery) (wire.PullResponse, error)
	Resolve(ctx context.Context, request wire.ResolveRequest) (wire.ResolveResponse, error)
	Health(ctx context.Context) error
}

// Notifier publishes best-effort peer notifications. transport.LiveClient satisfies it.
type Notifier interface {
	Send(message wire.Message) bool
}

// Config describes engine dependencies and tuning. Queue and Replica must share one database.
type Config struct {
	Queue        *queue.Store
	Replica      *replica.Store
	Remote       Remote
	Notifier     Notifier
	DeviceID     string
	BranchID     string
	Tables       []string
	TenantWide   bool
	Policy       ConflictPolicy
	SyncInterval time.Duration
	PullInterval time.Duration
	BatchSize    int
	PageSize     int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	AuditWindow  time.Duration
	EventBuffer  int
	Clock        func() time.Time
	Logger       *zap.Logger
}

type cycle struct {
	done   chan struct{}
	report CycleReport
	err    error
}

// Engine owns one terminal's sync lifecycle.
type Engine struct {
	queue        *queue.Store
	replica      *replica.Store
	remote       Remote
	notifier     Notifier
	deviceID     string
	branchID     string
	tables       []string
	tenantWide   bool
	policy       ConflictPolicy
	syncInterval time.Duration
	pullInterval time.Duration
	batchSize    int
	pageSize     int
	maxRetries   int
	backoffBase  time.Duration
	backoffMax   time.Duration
	auditWindow  time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	events  chan Event
	trigger chan struct{}
	online  atomic.Bool
	// pullRequested forces a pull on the next cycle, set when a peer announces a change.
	pullRequested atomic.Bool

	mu         sync.Mutex
	inflight   *cycle
	paused     error
	lastPull   time.Time
	lastReport *CycleReport
}

// New validates the configuration and constructs an Engine. The engine starts online.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Queue == nil:
		return nil, errMissingQueue
	case cfg.Replica == nil:
		return nil, errMissingReplica
	case cfg.Remote == nil:
		return nil, errMissingRemote
	case strings.TrimSpace(cfg.DeviceID) == "" || strings.TrimSpace(cfg.BranchID) == "":
		return nil, errMissingIdentity
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyServer
	}
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	engine := &Engine{
		queue:        cfg.Queue,
		replica:      cfg.Replica,
		remote:       cfg.Remote,
		notifier:     cfg.Notifier,
		deviceID:     cfg.DeviceID,
		branchID:     cfg.BranchID,
		tables:       cfg.Tables,
		tenantWide:   cfg.TenantWide,
		policy:       policy,
		syncInterval: positiveDuration(cfg.SyncInterval, defaultSyncInterval),
		batchSize:    positiveInt(cfg.BatchSize, defaultBatchSize),
		pageSize:     positiveInt(cfg.PageSize, defaultPageSize),
		maxRetries:   positiveInt(cfg.MaxRetries, defaultMaxRetries),
		backoffBase:  positiveDuration(cfg.BackoffBase, defaultBackoffBase),
		backoffMax:   positiveDuration(cfg.BackoffMax, defaultBackoffMax),
		auditWindow:  cfg.AuditWindow,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		events:       make(chan Event, positiveInt(cfg.EventBuffer, defaultEventBuffer)),
		trigger:      make(chan struct{}, 1),
	}
	engine.pullInterval = positiveDuration(cfg.PullInterval, engine.syncInterval)
	if engine.clock == nil {
		engine.clock = time.Now
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	engine.online.Store(true)
	return engine, nil
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func positiveInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// Events streams lifecycle notifications. Events are dropped when nobody drains the channel.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(event Event) {
	if event.Time.IsZero() {
		event.Time = e.clock().UTC()
	}
	select {
	case e.events <- event:
	default:
		e.logger.Debug("engine event dropped", zap.String("kind", string(event.Kind)))
	}
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.paused != nil:
		return StatePaused
	case e.inflight != nil:
		return StateSyncing
	default:
		return StateIdle
	}
}

// Online reports the last known connectivity.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline records a connectivity change. Going online schedules a cycle.
func (e *Engine) SetOnline(online bool) {
	previous := e.online.Swap(online)
	if previous == online {
		return
	}
	if online {
		e.logger.Info("sync server reachable")
		e.emit(Event{Kind: EventOnline})
		e.Trigger()
		return
	}
	e.logger.Warn("sync server unreachable")
	e.emit(Event{Kind: EventOffline})
}

// Trigger asks Run to start a cycle soon. Requests made while one is already pending are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Resume clears a pause after the operator repaired local storage.
func (e *Engine) Resume(ctx context.Context) error {
	if _, err := e.queue.ResetSyncing(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueCorrupted, err)
	}
	e.mu.Lock()
	e.paused = nil
	e.mu.Unlock()
	e.logger.Info("sync resumed")
	return nil
}

func (e *Engine) pause(err error) error {
	fatal := fmt.Errorf("%w: %v", ErrQueueCorrupted, err)
	e.mu.Lock()
	e.paused = fatal
	e.mu.Unlock()
	e.logger.Error("sync paused on local storage failure", zap.Error(err))
	e.emit(Event{Kind: EventFatal, Err: fatal})
	return fatal
}

// Mutate records a local change: the replica row and its queue item are written in one
// transaction, and the replica's server version becomes the item's base version.
func (e *Engine) Mutate(ctx context.Context, change reconcile.ChangeRecord) (queue.Item, error) {
	if change.Deletes() {
		change.Operation = reconcile.OperationDelete
	}
	when := change.ClientTimestamp
	if when.IsZero() {
		when = e.clock()
	}
	if !change.Deletes() && (len(change.Data) == 0 || !json.Valid(change.Data)) {
		return queue.Item{}, fmt.Errorf("%w: payload must be a JSON document", queue.ErrInvalidChange)
	}

	var item queue.Item
	err := e.replica.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := replica.GetTx(tx, e.branchID, change.Table, change.RecordID)
		if err != nil && !errors.Is(err, replica.ErrRecordNotFound) {
			return err
		}
		operation := change.Operation
		if operation == reconcile.OperationCreate && current.SyncVersion > 0 {
			operation = reconcile.OperationUpdate
		}
		if _, err := replica.WriteLocalTx(tx, e.branchID, e.deviceID, change.Table, change.RecordID, change.Data, change.Deletes(), when); err != nil {
			return err
		}
		item, err = e.queue.AddTx(tx, queue.Change{
			Table:       change.Table,
			RecordID:    change.RecordID,
			Operation:   operation,
			Data:        change.Data,
			UpdatedAt:   when,
			IsDeleted:   change.Deletes(),
			BaseVersion: current.BaseVersion(),
		})
		return err
	})
	switch {
	case err == nil:
		return item, nil
	case errors.Is(err, queue.ErrInvalidChange):
		return queue.Item{}, err
	default:
		return queue.Item{}, e.pause(err)
	}
}

// Run drives periodic cycles until ctx is cancelled. Ticks that arrive while a cycle is in
// flight are skipped. While offline each tick only probes the server.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.queue.ResetSyncing(ctx); err != nil {
		return e.pause(err)
	}
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx)
		case <-e.trigger:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if !e.Online() {
		if !e.probe(ctx) {
			return
		}
	}
	e.mu.Lock()
	busy := e.inflight != nil || e.paused != nil
	e.mu.Unlock()
	if busy {
		return
	}
	if _, err := e.syncOnce(ctx, false); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
		e.logger.Warn("sync cycle failed", zap.Error(err))
	}
}

func (e *Engine) probe(ctx context.Context) bool {
	if err := e.remote.Health(ctx); err != nil {
		e.SetOnline(false)
		return false
	}
	e.SetOnline(true)
	return true
}

// Stats summarizes local sync state.
type Stats struct {
	Queue     queue.Stats
	State     State
	Online    bool
	Cursor    string
	LastCycle *CycleReport
}

// Stats reports queue counters, lifecycle state and the pull cursor.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.queue.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	cursor, err := e.replica.Cursor(ctx, e.cursorScope())
	if err != nil {
		return Stats{}, err
	}
	e.mu.Lock()
	last := e.lastReport
	e.mu.Unlock()
	return Stats{
		Queue:     counts,
		State:     e.State(),
		Online:    e.Online(),
		Cursor:    cursor,
		LastCycle: last,
	}, nil
}

func (e *Engine) cursorScope() string {
	if e.tenantWide {
		return "tenant"
	}
	return replica.DefaultScope
}
