package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/Chundyy/CRDT-SSS/internal/errors"
	"github.com/Chundyy/CRDT-SSS/internal/metrics"
	"github.com/Chundyy/CRDT-SSS/internal/model"
	"github.com/Chundyy/CRDT-SSS/internal/store"
	"github.com/Chundyy/CRDT-SSS/internal/transport"
)

// SyncEngine orchestrates event exchange with remote nodes. It owns the
// per-remote watermarks (derived from the sync log) and never touches
// entity state except by handing events to the CRDT manager. Transport
// failures are surfaced to the caller; the engine does not retry and never
// advances a watermark for an unconfirmed round.
type SyncEngine struct {
	nodeID    string
	manager   *CRDTManager
	store     *store.EventStore
	transport transport.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	remotes map[string]transport.RemoteNode
	pending map[string]int
}

// SyncResult summarizes one bidirectional round.
type SyncResult struct {
	Sent     int `json:"sent"`
	Received int `json:"received"`
}

// NodeSyncStatus describes sync progress against one remote node.
type NodeSyncStatus struct {
	RemoteNodeID      string     `json:"remote_node_id"`
	LastSyncTime      *time.Time `json:"last_sync_time,omitempty"`
	PendingLocalCount int        `json:"pending_local_event_count"`
}

// NewSyncEngine creates a sync engine. Metrics may be nil in tests.
func NewSyncEngine(
	manager *CRDTManager,
	eventStore *store.EventStore,
	tp transport.Transport,
	remotes []transport.RemoteNode,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SyncEngine {
	engine := &SyncEngine{
		nodeID:    manager.NodeID(),
		manager:   manager,
		store:     eventStore,
		transport: tp,
		logger:    logger,
		metrics:   m,
		remotes:   make(map[string]transport.RemoteNode, len(remotes)),
		pending:   make(map[string]int),
	}
	for _, remote := range remotes {
		engine.remotes[remote.NodeID] = remote
	}
	return engine
}

// AddRemote registers a sync target discovered at runtime (gossip join).
func (e *SyncEngine) AddRemote(remote transport.RemoteNode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remotes[remote.NodeID] = remote
	e.logger.Info("Sync remote registered",
		zap.String("remote_node_id", remote.NodeID),
		zap.String("address", remote.Address))
}

// RemoveRemote drops a sync target (gossip leave). Its watermark stays in
// the sync log so a rejoin resumes where it left off.
func (e *SyncEngine) RemoveRemote(nodeID string) {
	e.mu.Lock()
	delete(e.remotes, nodeID)
	delete(e.pending, nodeID)
	slowest := e.slowestPendingLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.PendingEvents.Set(float64(slowest))
	}
	e.logger.Info("Sync remote removed", zap.String("remote_node_id", nodeID))
}

// Remotes returns the current sync targets.
func (e *SyncEngine) Remotes() []transport.RemoteNode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]transport.RemoteNode, 0, len(e.remotes))
	for _, remote := range e.remotes {
		out = append(out, remote)
	}
	return out
}

// Remote resolves a registered sync target by node id.
func (e *SyncEngine) Remote(nodeID string) (transport.RemoteNode, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	remote, ok := e.remotes[nodeID]
	return remote, ok
}

// PushSync exports local events since the watermark for the remote (or the
// explicit since override) and hands them to the transport. The watermark
// advances and the round is logged only after confirmed delivery, giving
// at-least-once semantics; re-sending the same batch later is safe because
// merging is idempotent.
func (e *SyncEngine) PushSync(ctx context.Context, remote transport.RemoteNode, since *time.Time) (int, error) {
	start := time.Now()

	watermark, err := e.watermark(ctx, remote.NodeID, model.SyncDirectionPush)
	if err != nil {
		return 0, err
	}
	if since != nil {
		watermark = *since
	}

	events, err := e.store.GetEventsSince(ctx, watermark)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		e.logger.Debug("Push sync: nothing to send",
			zap.String("remote_node_id", remote.NodeID))
		e.observeRound(model.SyncDirectionPush, "ok", start)
		return 0, nil
	}

	// Transport runs without any entity lock held; only the merge step on
	// the receiving side is serialized.
	if err := e.transport.SendEvents(ctx, remote, events); err != nil {
		e.logger.Warn("Push sync failed",
			zap.String("remote_node_id", remote.NodeID),
			zap.Int("events", len(events)),
			zap.Error(err))
		e.observeRound(model.SyncDirectionPush, "error", start)
		return 0, err
	}

	mark, err := e.recordRound(ctx, remote.NodeID, model.SyncDirectionPush, events, watermark)
	if err != nil {
		return len(events), err
	}

	// Events appended while the transport was in flight are still pending
	// against the new watermark.
	if remaining, err := e.store.CountEventsSince(ctx, mark); err == nil {
		e.observePending(remote.NodeID, remaining)
	}

	if e.metrics != nil {
		e.metrics.EventsSentTotal.Add(float64(len(events)))
	}
	e.observeRound(model.SyncDirectionPush, "ok", start)

	e.logger.Info("Push sync completed",
		zap.String("remote_node_id", remote.NodeID),
		zap.Int("events_sent", len(events)),
		zap.Duration("duration", time.Since(start)))
	return len(events), nil
}

// PullSync fetches events from the remote since the local watermark for it
// and feeds them through the CRDT manager. The watermark advances only
// after the whole batch has been applied.
func (e *SyncEngine) PullSync(ctx context.Context, remote transport.RemoteNode) (int, error) {
	start := time.Now()

	watermark, err := e.watermark(ctx, remote.NodeID, model.SyncDirectionPull)
	if err != nil {
		return 0, err
	}

	events, err := e.transport.FetchEvents(ctx, remote, watermark)
	if err != nil {
		e.logger.Warn("Pull sync failed",
			zap.String("remote_node_id", remote.NodeID),
			zap.Error(err))
		e.observeRound(model.SyncDirectionPull, "error", start)
		return 0, err
	}

	merged, err := e.manager.ApplyRemoteEvents(ctx, events)
	if err != nil {
		e.observeRound(model.SyncDirectionPull, "error", start)
		return merged, err
	}

	if len(events) > 0 {
		if _, err := e.recordRound(ctx, remote.NodeID, model.SyncDirectionPull, events, watermark); err != nil {
			return merged, err
		}
		if e.metrics != nil {
			e.metrics.EventsFetchedTotal.Add(float64(len(events)))
		}
	}
	e.observeRound(model.SyncDirectionPull, "ok", start)

	e.logger.Info("Pull sync completed",
		zap.String("remote_node_id", remote.NodeID),
		zap.Int("events_received", len(events)),
		zap.Int("events_merged", merged),
		zap.Duration("duration", time.Since(start)))
	return len(events), nil
}

// BidirectionalSync pulls first, then pushes, so merge-outcome events
// produced by applying the remote's state are included in the push and both
// sides end the round fully informed.
func (e *SyncEngine) BidirectionalSync(ctx context.Context, remote transport.RemoteNode) (SyncResult, error) {
	received, err := e.PullSync(ctx, remote)
	if err != nil {
		return SyncResult{Received: received}, err
	}

	sent, err := e.PushSync(ctx, remote, nil)
	return SyncResult{Sent: sent, Received: received}, err
}

// GetSyncStatus reports, per registered remote, the last sync time and the
// number of local events not yet covered by that remote's watermark. Reads
// only; sync state is never modified, though the pending gauge is refreshed
// from what it observes.
func (e *SyncEngine) GetSyncStatus(ctx context.Context) (map[string]NodeSyncStatus, error) {
	status := make(map[string]NodeSyncStatus)

	for _, remote := range e.Remotes() {
		lastSync, found, err := e.store.LastSyncTime(ctx, remote.NodeID)
		if err != nil {
			return nil, err
		}

		entry := NodeSyncStatus{RemoteNodeID: remote.NodeID}
		if found {
			ts := lastSync
			entry.LastSyncTime = &ts
		}

		// Pending counts against the push cursor: events the remote has
		// not been sent, regardless of what we pulled from it.
		pushMark, _, err := e.store.LastSyncTimeForDirection(ctx, remote.NodeID, model.SyncDirectionPush)
		if err != nil {
			return nil, err
		}

		pending, err := e.store.CountEventsSince(ctx, pushMark)
		if err != nil {
			return nil, err
		}
		entry.PendingLocalCount = pending
		e.observePending(remote.NodeID, pending)
		status[remote.NodeID] = entry
	}

	return status, nil
}

// LocalChangesSince exports local events for an external caller (the
// application layer's get_local_changes_since surface).
func (e *SyncEngine) LocalChangesSince(ctx context.Context, since time.Time) ([]model.Event, error) {
	return e.store.GetEventsSince(ctx, since)
}

// PendingEntities lists entity ids with local changes not yet synced to the
// given remote.
func (e *SyncEngine) PendingEntities(ctx context.Context, remoteNodeID string) ([]string, error) {
	watermark, err := e.watermark(ctx, remoteNodeID, model.SyncDirectionPush)
	if err != nil {
		return nil, err
	}
	return e.store.PendingEntitiesSince(ctx, watermark)
}

// ResolveConflicts forces a full replay for the entity and re-persists the
// resulting snapshot. Idempotent: when cache and log already agree this
// rewrites an identical snapshot.
func (e *SyncEngine) ResolveConflicts(ctx context.Context, entityID string) error {
	register, found, err := e.manager.RebuildStateFromEvents(ctx, entityID)
	if err != nil {
		return err
	}
	if !found {
		return syncerrors.EntityNotFound(entityID)
	}

	snap := register.Snapshot(time.Now().UTC())
	if err := e.store.WriteSnapshot(ctx, &snap); err != nil {
		return err
	}

	e.logger.Info("Conflicts resolved from event log",
		zap.String("entity_id", entityID))
	return nil
}

// watermark resolves the sync cursor for one direction with a remote: zero
// time when no round in that direction has completed yet.
func (e *SyncEngine) watermark(ctx context.Context, remoteNodeID string, direction model.SyncDirection) (time.Time, error) {
	lastSync, found, err := e.store.LastSyncTimeForDirection(ctx, remoteNodeID, direction)
	if err != nil {
		return time.Time{}, err
	}
	if !found {
		return time.Time{}, nil
	}
	return lastSync, nil
}

// recordRound advances the watermark to the newest event timestamp in the
// exchanged batch and appends the audit entry, returning the watermark it
// wrote. Using the batch maximum rather than wall-clock now keeps events
// written during the round from being skipped by the next one.
func (e *SyncEngine) recordRound(ctx context.Context, remoteNodeID string, direction model.SyncDirection, events []model.Event, previous time.Time) (time.Time, error) {
	watermark := previous
	for _, ev := range events {
		if ev.Timestamp.After(watermark) {
			watermark = ev.Timestamp
		}
	}

	err := e.store.AppendSyncLog(ctx, &model.SyncLogEntry{
		RemoteNodeID: remoteNodeID,
		LastSync:     watermark,
		EventsSynced: len(events),
		Direction:    direction,
	})
	return watermark, err
}

// observePending records the latest pending count for one remote and exports
// the slowest remote's backlog.
func (e *SyncEngine) observePending(remoteNodeID string, pending int) {
	if e.metrics == nil {
		return
	}
	e.mu.Lock()
	e.pending[remoteNodeID] = pending
	slowest := e.slowestPendingLocked()
	e.mu.Unlock()

	e.metrics.PendingEvents.Set(float64(slowest))
}

func (e *SyncEngine) slowestPendingLocked() int {
	slowest := 0
	for _, n := range e.pending {
		if n > slowest {
			slowest = n
		}
	}
	return slowest
}

func (e *SyncEngine) observeRound(direction model.SyncDirection, status string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.SyncRoundsTotal.WithLabelValues(string(direction), status).Inc()
	e.metrics.SyncRoundDuration.Observe(time.Since(start).Seconds())
}
