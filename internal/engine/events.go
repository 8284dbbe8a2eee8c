package engine

import (
	"encoding/json"
	"time"
)

// EventKind names an engine notification.
type EventKind string

const (
	EventCycleStarted  EventKind = "cycle_started"
	EventCycleFinished EventKind = "cycle_finished"
	EventConflict      EventKind = "conflict"
	EventFatal         EventKind = "fatal"
	EventOnline        EventKind = "online"
	EventOffline       EventKind = "offline"
)

// Event is delivered on Engine.Events.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Report   *CycleReport
	Conflict *Conflict
	Err      error
}

// Conflict is a divergent edit awaiting, or settled by, a resolution.
type Conflict struct {
	ItemID          string
	Table           string
	RecordID        string
	LocalData       json.RawMessage
	LocalDeleted    bool
	LocalUpdatedAt  time.Time
	ServerData      json.RawMessage
	ServerVersion   int64
	ServerUpdatedAt time.Time
	ServerDeleted   bool
	// Resolved is set when a policy settled the conflict without the operator.
	Resolved ConflictPolicy
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Pushed     int
	Applied    int
	Conflicts  int
	Rejected   int
	Retried    int
	Pulled     int
	Skipped    int
	// Coalesced is set for callers that joined a cycle already in flight.
	Coalesced bool
	Err       error
}
