// Package metrics exposes the Prometheus collectors shared by the sync server and agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tillsync"

var (
	// PushRecords counts pushed records by outcome (applied, unchanged, conflict, error).
	PushRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "push_records_total",
		Help:      "Records received through batch push, labelled by outcome",
	}, []string{"outcome"})

	// PullChanges counts canonical rows served to pulling terminals.
	PullChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pull_changes_total",
		Help:      "Canonical rows returned by pull requests",
	})

	// ConflictResolutions counts resolve requests by resolution.
	ConflictResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflict_resolutions_total",
		Help:      "Conflict resolutions submitted by terminals",
	}, []string{"resolution"})

	// OutboxDrained counts outbox entries marked processed by the broker.
	OutboxDrained = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_drained_total",
		Help:      "Outbox entries handled by the fan-out broker",
	})

	// OutboxBacklog is the number of unprocessed outbox entries after the last drain.
	// A growing value means the broker is falling behind.
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_backlog",
		Help:      "Unprocessed outbox entries",
	})

	// OutboxPurged counts processed entries removed by retention.
	OutboxPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_purged_total",
		Help:      "Processed outbox entries removed by retention",
	})

	// DrainDuration measures one drain pass.
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "outbox_drain_duration_seconds",
		Help:      "Duration of an outbox drain pass in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// Broadcasts counts messages fanned out to rooms, labelled by message kind.
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Messages delivered to live connections",
	}, []string{"kind"})

	// DroppedMessages counts messages dropped because a connection's send buffer was full.
	DroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_messages_total",
		Help:      "Messages dropped for slow live connections",
	})

	// LiveConnections is the number of open live connections.
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_connections",
		Help:      "Open live connections",
	})

	// LiveRooms is the number of non-empty rooms.
	LiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_rooms",
		Help:      "Non-empty broadcast rooms",
	})

	// SinkFailures counts failed publishes to external sinks.
	SinkFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_failures_total",
		Help:      "Failed publishes to external change sinks",
	}, []string{"sink"})

	// AgentQueueDepth reports change queue items by status on a terminal.
	AgentQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_queue_items",
		Help:      "Change queue items on the terminal, labelled by status",
	}, []string{"status"})

	// AgentCycles counts sync cycles on a terminal by result.
	AgentCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "agent_sync_cycles_total",
		Help:      "Sync cycles run by the terminal, labelled by result",
	}, []string{"result"})
)
