// Package broker fans accepted changes out to live terminal connections grouped into
// tenant and branch rooms. The outbox drain is the source of truth; peer notifications
// are a best-effort shortcut on top of it.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/tillsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/tillsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tillsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/tillsync/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultDrainInterval     = time.Second
	defaultDrainBatch        = 100
	defaultPurgeInterval     = time.Hour
	defaultRetention         = 7 * 24 * time.Hour
	defaultHeartbeatInterval = 25 * time.Second
)

var errMissingOutbox = errors.New("broker: outbox source is required")
var errMissingRecords = errors.New("broker: record fetcher is required")

// OutboxSource is the durable change log drained by the broker.
type OutboxSource interface {
	FetchPending(ctx context.Context, limit int) ([]outbox.Entry, error)
	MarkProcessed(ctx context.Context, id string) error
	Purge(ctx context.Context, retention time.Duration) (int64, error)
	Backlog(ctx context.Context) (int64, error)
}

// RecordFetcher loads the current canonical row for an outbox entry.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, clientID, branchID, table, recordID string) (reconcile.CanonicalRecord, error)
}

// Sink receives every outbox broadcast in addition to live connections.
type Sink interface {
	Name() string
	Publish(ctx context.Context, entry outbox.Entry, message []byte) error
}

// Config describes broker dependencies and schedules.
type Config struct {
	Outbox            OutboxSource
	Records           RecordFetcher
	Sinks             []Sink
	DrainInterval     time.Duration
	DrainBatch        int
	PurgeInterval     time.Duration
	Retention         time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// Broker owns the room registry and the drain and purge schedules.
type Broker struct {
	outbox            OutboxSource
	records           RecordFetcher
	sinks             []Sink
	drainInterval     time.Duration
	drainBatch        int
	purgeInterval     time.Duration
	retention         time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger
	registry          *Registry
	upgrader          websocket.Upgrader

	draining atomic.Bool
	purging  atomic.Bool
	tasks    sync.WaitGroup
}

// New constructs a Broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	if cfg.Records == nil {
		return nil, errMissingRecords
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broker{
		outbox:            cfg.Outbox,
		records:           cfg.Records,
		sinks:             cfg.Sinks,
		drainInterval:     durationOrDefault(cfg.DrainInterval, defaultDrainInterval),
		drainBatch:        cfg.DrainBatch,
		purgeInterval:     durationOrDefault(cfg.PurgeInterval, defaultPurgeInterval),
		retention:         durationOrDefault(cfg.Retention, defaultRetention),
		heartbeatInterval: durationOrDefault(cfg.HeartbeatInterval, defaultHeartbeatInterval),
		logger:            logger,
		registry:          NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Terminals authenticate with a session token, not an origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if b.drainBatch <= 0 {
		b.drainBatch = defaultDrainBatch
	}
	return b, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Registry exposes room membership.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Run drives the drain and purge schedules until ctx is cancelled. A tick that arrives
// while the previous run of the same task is still going is skipped.
func (b *Broker) Run(ctx context.Context) error {
	drainTicker := time.NewTicker(b.drainInterval)
	purgeTicker := time.NewTicker(b.purgeInterval)
	defer func() {
		drainTicker.Stop()
		purgeTicker.Stop()
		b.tasks.Wait()
	}()

	b.logger.Info("broker started",
		zap.Duration("drain_interval", b.drainInterval),
		zap.Duration("purge_interval", b.purgeInterval),
		zap.Duration("heartbeat_interval", b.heartbeatInterval))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broker stopping")
			return nil
		case <-drainTicker.C:
			b.schedule(&b.draining, "drain", func() error {
				_, err := b.DrainOnce(ctx)
				return err
			})
		case <-purgeTicker.C:
			b.schedule(&b.purging, "purge", func() error {
				_, err := b.PurgeOnce(ctx)
				return err
			})
		}
	}
}

func (b *Broker) schedule(guard *atomic.Bool, task string, run func() error) {
	if !guard.CompareAndSwap(false, true) {
		b.logger.Debug("broker task still running, skipping tick", zap.String("task", task))
		return
	}
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		defer guard.Store(false)
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("broker task failed", zap.String("task", task), zap.Error(err))
		}
	}()
}

// DrainOnce broadcasts one bounded batch of pending outbox entries and returns how many
// were marked processed. An entry is marked after its broadcast attempt even when no
// connection received it.
func (b *Broker) DrainOnce(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() {
		metrics.DrainDuration.Observe(time.Since(started).Seconds())
	}()

	entries, err := b.outbox.FetchPending(ctx, b.drainBatch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		message, err := b.buildSync(ctx, entry)
		if err != nil {
			// Leave the entry pending so the next tick retries it in order.
			return processed, err
		}
		if message != nil {
			payload, err := wire.Encode(*message)
			if err != nil {
				return processed, err
			}
			delivered := b.broadcast(entry.DeviceID, payload, RoomKey(entry.ClientID, entry.BranchID), WildcardRoom(entry.ClientID))
			metrics.Broadcasts.WithLabelValues(string(wire.KindSync)).Add(float64(delivered))
			b.publishToSinks(ctx, entry, payload)
		}
		if err := b.outbox.MarkProcessed(ctx, entry.ID); err != nil {
			return processed, err
		}
		processed++
		metrics.OutboxDrained.Inc()
	}

	if backlog, err := b.outbox.Backlog(ctx); err == nil {
		metrics.OutboxBacklog.Set(float64(backlog))
	}
	return processed, nil
}

// buildSync returns nil when the canonical row has vanished and there is nothing to announce.
func (b *Broker) buildSync(ctx context.Context, entry outbox.Entry) (*wire.Sync, error) {
	message := &wire.Sync{
		OutboxID:       entry.ID,
		Table:          entry.EntityType,
		RecordID:       entry.EntityID,
		BranchID:       entry.BranchID,
		Operation:      entry.Operation,
		IsDeleted:      entry.Operation == string(reconcile.OperationDelete),
		OriginDeviceID: entry.DeviceID,
	}
	record, err := b.records.FetchRecord(ctx, entry.ClientID, entry.BranchID, entry.EntityType, entry.EntityID)
	if errors.Is(err, reconcile.ErrRecordNotFound) {
		if message.IsDeleted {
			message.ServerUpdatedAt = entry.CreatedAt()
			return message, nil
		}
		b.logger.Warn("outbox entry without canonical row",
			zap.String("outbox_id", entry.ID),
			zap.String("table", entry.EntityType),
			zap.String("record_id", entry.EntityID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	message.SyncVersion = record.SyncVersion
	message.ServerUpdatedAt = record.ServerUpdatedAt()
	message.IsDeleted = record.IsDeleted
	if !record.IsDeleted {
		message.Data = json.RawMessage(record.Data)
	}
	return message, nil
}

func (b *Broker) publishToSinks(ctx context.Context, entry outbox.Entry, payload []byte) {
	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, entry, payload); err != nil {
			metrics.SinkFailures.WithLabelValues(sink.Name()).Inc()
			b.logger.Warn("sink publish failed",
				zap.String("sink", sink.Name()),
				zap.String("outbox_id", entry.ID),
				zap.Error(err))
		}
	}
}

// broadcast sends payload to every member of the rooms except the origin device and
// returns the number of connections that accepted it.
func (b *Broker) broadcast(originDeviceID string, payload []byte, rooms ...string) int {
	delivered := 0
	for _, member := range b.registry.Members(originDeviceID, rooms...) {
		if member.Send(payload) {
			delivered++
		}
	}
	return delivered
}

// PurgeOnce removes processed entries older than the retention window.
func (b *Broker) PurgeOnce(ctx context.Context) (int64, error) {
	removed, err := b.outbox.Purge(ctx, b.retention)
	if err != nil {
		return 0, err
	}
	metrics.OutboxPurged.Add(float64(removed))
	return removed, nil
}

// ServeConn upgrades an authenticated request and joins the connection to its default rooms.
func (b *Broker) ServeConn(w http.ResponseWriter, r *http.Request, identity Identity) error {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		conn.Close()
		return err
	}
	connection := &Connection{
		id:       id.String(),
		identity: identity,
		conn:     conn,
		broker:   b,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		logger:   b.logger.With(zap.String("device_id", identity.DeviceID), zap.String("client_id", identity.ClientID)),
	}
	b.register(connection)

	go connection.writePump(b.heartbeatInterval)
	go connection.readPump(2 * b.heartbeatInterval)
	return nil
}

func (b *Broker) register(connection *Connection) {
	rooms := DefaultRooms(connection.identity)
	for _, room := range rooms {
		b.registry.Join(connection, room)
	}
	metrics.LiveConnections.Inc()
	metrics.LiveRooms.Set(float64(b.registry.RoomCount()))
	connection.logger.Info("live connection registered", zap.String("connection_id", connection.id), zap.Strings("rooms", rooms))
	connection.sendMessage(wire.Connected{
		ConnectionID:     connection.id,
		DeviceID:         connection.identity.DeviceID,
		ClientID:         connection.identity.ClientID,
		BranchID:         connection.identity.BranchID,
		Rooms:            rooms,
		HeartbeatSeconds: int(b.heartbeatInterval / time.Second),
	})
}

func (b *Broker) unregister(connection *Connection) {
	b.registry.Remove(connection)
	connection.close()
	metrics.LiveConnections.Dec()
	metrics.LiveRooms.Set(float64(b.registry.RoomCount()))
	connection.logger.Info("live connection closed", zap.String("connection_id", connection.id))
}

// handleInbound dispatches one decoded socket message.
func (b *Broker) handleInbound(connection *Connection, data []byte) {
	message, err := wire.DecodeInbound(data)
	if err != nil {
		code := wire.CodeInvalidMessage
		if errors.Is(err, wire.ErrUnknownKind) {
			code = wire.CodeUnknownMessage
		}
		connection.sendMessage(wire.ErrorMessage{Code: code, Message: err.Error()})
		return
	}

	switch msg := message.(type) {
	case wire.Ping:
		connection.sendMessage(wire.Pong{Timestamp: time.Now().UTC()})
	case wire.Subscribe:
		b.handleSubscribe(connection, msg)
	case wire.Unsubscribe:
		room := strings.TrimSpace(msg.Room)
		b.registry.Leave(connection, room)
		metrics.LiveRooms.Set(float64(b.registry.RoomCount()))
		connection.sendMessage(wire.Unsubscribed{Room: room})
	case wire.SyncChange:
		b.handlePeerChange(connection, msg)
	}
}

func (b *Broker) handleSubscribe(connection *Connection, msg wire.Subscribe) {
	room := strings.TrimSpace(msg.Room)
	if err := authorizeJoin(connection.identity, room); err != nil {
		connection.logger.Warn("room join rejected", zap.String("room", room), zap.Error(err))
		connection.sendMessage(wire.ErrorMessage{Code: wire.CodeRoomForbidden, Message: err.Error()})
		return
	}
	b.registry.Join(connection, room)
	metrics.LiveRooms.Set(float64(b.registry.RoomCount()))
	connection.sendMessage(wire.Subscribed{Room: room})
}

// handlePeerChange re-broadcasts a terminal's notification to its branch and the tenant
// wildcard room. Terminals treat it as a hint to pull, never as canonical data.
func (b *Broker) handlePeerChange(connection *Connection, msg wire.SyncChange) {
	if strings.TrimSpace(msg.Table) == "" || strings.TrimSpace(msg.RecordID) == "" {
		connection.sendMessage(wire.ErrorMessage{Code: wire.CodeInvalidMessage, Message: "table and recordId are required"})
		return
	}
	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	payload, err := wire.Encode(wire.SyncUpdate{
		Table:          msg.Table,
		RecordID:       msg.RecordID,
		BranchID:       connection.identity.BranchID,
		Operation:      msg.Operation,
		Data:           msg.Data,
		Timestamp:      timestamp,
		OriginDeviceID: connection.identity.DeviceID,
	})
	if err != nil {
		connection.logger.Error("encode peer update failed", zap.Error(err))
		return
	}
	delivered := b.broadcast(connection.identity.DeviceID, payload,
		RoomKey(connection.identity.ClientID, connection.identity.BranchID),
		WildcardRoom(connection.identity.ClientID))
	metrics.Broadcasts.WithLabelValues(string(wire.KindSyncUpdate)).Add(float64(delivered))
}
