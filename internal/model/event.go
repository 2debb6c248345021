package model

import (
	"time"
)

// EventType identifies the kind of state change an event records.
type EventType string

const (
	EventTypeCreated EventType = "created"
	EventTypeUpdated EventType = "updated"
	EventTypeDeleted EventType = "deleted"
)

// Event is an immutable record of a single accepted mutation, local or
// merged-remote. Events are append-only; deletion is a tombstone value
// carried by an event of type "deleted", never a removal from the log.
type Event struct {
	EventID     string                 `json:"event_id"`
	EntityID    string                 `json:"entity_id"`
	EventType   EventType              `json:"event_type"`
	Data        map[string]interface{} `json:"data"`
	Timestamp   time.Time              `json:"timestamp"`
	NodeID      string                 `json:"node_id"`
	VectorClock VectorClock            `json:"vector_clock"`
}

// Snapshot is the materialized per-entity state kept as a performance cache.
// It must always be reconstructible by replaying the entity's events.
type Snapshot struct {
	EntityID    string                 `json:"entity_id"`
	State       map[string]interface{} `json:"state"`
	VectorClock VectorClock            `json:"vector_clock"`
	LastWriter  string                 `json:"last_writer"`
	LastWriteTS time.Time              `json:"last_write_ts"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// SyncDirection identifies which way a sync round moved events.
type SyncDirection string

const (
	SyncDirectionPull SyncDirection = "pull"
	SyncDirectionPush SyncDirection = "push"
)

// SyncLogEntry records a completed sync round with one remote node. The
// entries form an append-only audit trail; the latest entry per remote is
// also the sync watermark for that node.
type SyncLogEntry struct {
	RemoteNodeID string        `json:"remote_node_id"`
	LastSync     time.Time     `json:"last_sync"`
	EventsSynced int           `json:"events_synced"`
	Direction    SyncDirection `json:"direction"`
}
