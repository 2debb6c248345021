// Package store provides durable persistence for events, snapshots and the
// sync audit log on SQLite. The event log is append-only and is the single
// source of truth; every other piece of state is derivable from it.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	syncerrors "github.com/Chundyy/CRDT-SSS/internal/errors"
	"github.com/Chundyy/CRDT-SSS/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// EventStore persists CRDT events, snapshots and sync log entries.
type EventStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the SQLite database at the given path, applying
// pragmas and the schema. Safe to call on an existing database.
func Open(path string, logger *zap.Logger) (*EventStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports a single writer; bounding the pool avoids
	// SQLITE_BUSY under concurrent sync rounds.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &EventStore{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Append durably persists a single event. Re-appending an event with an
// already-stored event_id is a no-op, which keeps duplicate delivery safe.
func (s *EventStore) Append(ctx context.Context, ev *model.Event) error {
	data, clock, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO crdt_events
			(event_id, entity_id, event_type, data, timestamp, node_id, vector_clock)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EntityID, string(ev.EventType), data,
		ev.Timestamp.UnixNano(), ev.NodeID, clock)
	if err != nil {
		return syncerrors.StorageFailed("failed to append event", err).
			WithDetail("entity_id", ev.EntityID)
	}
	return nil
}

// AppendWithSnapshot persists an event and the resulting snapshot in one
// transaction, rolling back both on failure. The event must be durable
// before any in-memory state built from it is considered updated.
func (s *EventStore) AppendWithSnapshot(ctx context.Context, ev *model.Event, snap *model.Snapshot) error {
	data, clock, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	state, snapClock, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerrors.StorageFailed("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO crdt_events
			(event_id, entity_id, event_type, data, timestamp, node_id, vector_clock)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EntityID, string(ev.EventType), data,
		ev.Timestamp.UnixNano(), ev.NodeID, clock); err != nil {
		return syncerrors.StorageFailed("failed to append event", err).
			WithDetail("entity_id", ev.EntityID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crdt_snapshots
			(entity_id, state, vector_clock, last_writer, last_write_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			state = excluded.state,
			vector_clock = excluded.vector_clock,
			last_writer = excluded.last_writer,
			last_write_ts = excluded.last_write_ts,
			updated_at = excluded.updated_at`,
		snap.EntityID, state, snapClock, snap.LastWriter,
		snap.LastWriteTS.UnixNano(), snap.UpdatedAt.UnixNano()); err != nil {
		return syncerrors.StorageFailed("failed to write snapshot", err).
			WithDetail("entity_id", snap.EntityID)
	}

	if err := tx.Commit(); err != nil {
		return syncerrors.StorageFailed("failed to commit event", err).
			WithDetail("entity_id", ev.EntityID)
	}
	return nil
}

// GetEventsForEntity returns all events for an entity in append order.
// Append order, not timestamp order: remote events arrive out of timestamp
// order and replay must see them the way they were applied.
func (s *EventStore) GetEventsForEntity(ctx context.Context, entityID string) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, entity_id, event_type, data, timestamp, node_id, vector_clock
		FROM crdt_events
		WHERE entity_id = ?
		ORDER BY id ASC`, entityID)
	if err != nil {
		return nil, syncerrors.StorageFailed("failed to query events", err).
			WithDetail("entity_id", entityID)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEventsSince returns all events with a timestamp strictly after the
// given time, in append order. Used for sync export; read-only and
// restartable.
func (s *EventStore) GetEventsSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, entity_id, event_type, data, timestamp, node_id, vector_clock
		FROM crdt_events
		WHERE timestamp > ?
		ORDER BY id ASC`, since.UnixNano())
	if err != nil {
		return nil, syncerrors.StorageFailed("failed to query events since", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetEventsByType returns the most recent events of one type.
func (s *EventStore) GetEventsByType(ctx context.Context, eventType model.EventType, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, entity_id, event_type, data, timestamp, node_id, vector_clock
		FROM crdt_events
		WHERE event_type = ?
		ORDER BY id DESC
		LIMIT ?`, string(eventType), limit)
	if err != nil {
		return nil, syncerrors.StorageFailed("failed to query events by type", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountEventsSince returns the number of events newer than the given time.
func (s *EventStore) CountEventsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crdt_events WHERE timestamp > ?`,
		since.UnixNano()).Scan(&count)
	if err != nil {
		return 0, syncerrors.StorageFailed("failed to count events", err)
	}
	return count, nil
}

// PendingEntitiesSince returns the distinct entity ids touched by events
// newer than the given time.
func (s *EventStore) PendingEntitiesSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_id FROM crdt_events
		WHERE timestamp > ?
		ORDER BY entity_id`, since.UnixNano())
	if err != nil {
		return nil, syncerrors.StorageFailed("failed to query pending entities", err)
	}
	defer rows.Close()

	var entityIDs []string
	for rows.Next() {
		var entityID string
		if err := rows.Scan(&entityID); err != nil {
			return nil, syncerrors.StorageFailed("failed to scan entity id", err)
		}
		entityIDs = append(entityIDs, entityID)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerrors.StorageFailed("failed to iterate pending entities", err)
	}
	return entityIDs, nil
}

// WriteSnapshot idempotently upserts the snapshot row for an entity.
func (s *EventStore) WriteSnapshot(ctx context.Context, snap *model.Snapshot) error {
	state, clock, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO crdt_snapshots
			(entity_id, state, vector_clock, last_writer, last_write_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			state = excluded.state,
			vector_clock = excluded.vector_clock,
			last_writer = excluded.last_writer,
			last_write_ts = excluded.last_write_ts,
			updated_at = excluded.updated_at`,
		snap.EntityID, state, clock, snap.LastWriter,
		snap.LastWriteTS.UnixNano(), snap.UpdatedAt.UnixNano())
	if err != nil {
		return syncerrors.StorageFailed("failed to write snapshot", err).
			WithDetail("entity_id", snap.EntityID)
	}
	return nil
}

// GetSnapshot returns the snapshot for an entity if one exists.
func (s *EventStore) GetSnapshot(ctx context.Context, entityID string) (*model.Snapshot, bool, error) {
	var (
		state, clock          string
		lastWriter            string
		lastWriteTS, updated  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, vector_clock, last_writer, last_write_ts, updated_at
		FROM crdt_snapshots
		WHERE entity_id = ?`, entityID).
		Scan(&state, &clock, &lastWriter, &lastWriteTS, &updated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncerrors.StorageFailed("failed to read snapshot", err).
			WithDetail("entity_id", entityID)
	}

	snap := &model.Snapshot{
		EntityID:    entityID,
		LastWriter:  lastWriter,
		LastWriteTS: time.Unix(0, lastWriteTS).UTC(),
		UpdatedAt:   time.Unix(0, updated).UTC(),
	}
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return nil, false, syncerrors.StorageFailed("corrupt snapshot state", err).
			WithDetail("entity_id", entityID)
	}
	if err := json.Unmarshal([]byte(clock), &snap.VectorClock); err != nil {
		return nil, false, syncerrors.StorageFailed("corrupt snapshot clock", err).
			WithDetail("entity_id", entityID)
	}
	return snap, true, nil
}

// AppendSyncLog records a completed sync round.
func (s *EventStore) AppendSyncLog(ctx context.Context, entry *model.SyncLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crdt_sync_log
			(remote_node_id, last_sync, events_synced, direction, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RemoteNodeID, entry.LastSync.UnixNano(), entry.EventsSynced,
		string(entry.Direction), time.Now().UnixNano())
	if err != nil {
		return syncerrors.StorageFailed("failed to append sync log", err).
			WithDetail("remote_node_id", entry.RemoteNodeID)
	}
	return nil
}

// LastSyncTime returns the watermark for a remote node across both
// directions: the last_sync value of its most recent sync log entry.
func (s *EventStore) LastSyncTime(ctx context.Context, remoteNodeID string) (time.Time, bool, error) {
	var lastSync int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync FROM crdt_sync_log
		WHERE remote_node_id = ?
		ORDER BY id DESC
		LIMIT 1`, remoteNodeID).Scan(&lastSync)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, syncerrors.StorageFailed("failed to read sync watermark", err).
			WithDetail("remote_node_id", remoteNodeID)
	}
	return time.Unix(0, lastSync).UTC(), true, nil
}

// LastSyncTimeForDirection returns the watermark for one direction of sync
// with a remote node. Push and pull cursors advance independently; a pull
// that observes newer remote timestamps must not skip local events the
// remote has not been sent yet.
func (s *EventStore) LastSyncTimeForDirection(ctx context.Context, remoteNodeID string, direction model.SyncDirection) (time.Time, bool, error) {
	var lastSync int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync FROM crdt_sync_log
		WHERE remote_node_id = ? AND direction = ?
		ORDER BY id DESC
		LIMIT 1`, remoteNodeID, string(direction)).Scan(&lastSync)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, syncerrors.StorageFailed("failed to read sync watermark", err).
			WithDetail("remote_node_id", remoteNodeID).
			WithDetail("direction", string(direction))
	}
	return time.Unix(0, lastSync).UTC(), true, nil
}

// SyncedRemotes returns the distinct remote node ids present in the sync log.
func (s *EventStore) SyncedRemotes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT remote_node_id FROM crdt_sync_log ORDER BY remote_node_id`)
	if err != nil {
		return nil, syncerrors.StorageFailed("failed to query synced remotes", err)
	}
	defer rows.Close()

	var remotes []string
	for rows.Next() {
		var nodeID string
		if err := rows.Scan(&nodeID); err != nil {
			return nil, syncerrors.StorageFailed("failed to scan remote node id", err)
		}
		remotes = append(remotes, nodeID)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerrors.StorageFailed("failed to iterate synced remotes", err)
	}
	return remotes, nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			ev          model.Event
			eventType   string
			data, clock string
			ts          int64
		)
		if err := rows.Scan(&ev.EventID, &ev.EntityID, &eventType, &data, &ts,
			&ev.NodeID, &clock); err != nil {
			return nil, syncerrors.StorageFailed("failed to scan event", err)
		}
		ev.EventType = model.EventType(eventType)
		ev.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
			return nil, syncerrors.StorageFailed("corrupt event data", err).
				WithDetail("event_id", ev.EventID)
		}
		if err := json.Unmarshal([]byte(clock), &ev.VectorClock); err != nil {
			return nil, syncerrors.StorageFailed("corrupt event clock", err).
				WithDetail("event_id", ev.EventID)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerrors.StorageFailed("failed to iterate events", err)
	}
	return events, nil
}

func encodeEvent(ev *model.Event) (data string, clock string, err error) {
	dataBytes, err := json.Marshal(ev.Data)
	if err != nil {
		return "", "", syncerrors.StorageFailed("failed to marshal event data", err)
	}
	clockBytes, err := json.Marshal(ev.VectorClock)
	if err != nil {
		return "", "", syncerrors.StorageFailed("failed to marshal event clock", err)
	}
	return string(dataBytes), string(clockBytes), nil
}

func encodeSnapshot(snap *model.Snapshot) (state string, clock string, err error) {
	stateBytes, err := json.Marshal(snap.State)
	if err != nil {
		return "", "", syncerrors.StorageFailed("failed to marshal snapshot state", err)
	}
	clockBytes, err := json.Marshal(snap.VectorClock)
	if err != nil {
		return "", "", syncerrors.StorageFailed("failed to marshal snapshot clock", err)
	}
	return string(stateBytes), string(clockBytes), nil
}
