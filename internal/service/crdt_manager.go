package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Chundyy/CRDT-SSS/internal/crdt"
	syncerrors "github.com/Chundyy/CRDT-SSS/internal/errors"
	"github.com/Chundyy/CRDT-SSS/internal/metrics"
	"github.com/Chundyy/CRDT-SSS/internal/model"
	"github.com/Chundyy/CRDT-SSS/internal/store"
)

// CRDTManager owns the live register cache and is the only writer of events
// and snapshots. Local mutations and remote merges for the same entity are
// serialized by a per-entity lock; unrelated entities proceed in parallel.
type CRDTManager struct {
	nodeID             string
	store              *store.EventStore
	logger             *zap.Logger
	metrics            *metrics.Metrics
	clockSkewTolerance time.Duration

	mu          sync.Mutex
	registers   map[string]crdt.LWWRegister
	entityLocks map[string]*sync.Mutex

	statsMu        sync.Mutex
	mergesByOrigin crdt.GCounter
	knownEntities  crdt.GSet
}

// ManagerConfig holds CRDT manager configuration
type ManagerConfig struct {
	NodeID             string
	ClockSkewTolerance time.Duration
}

// NewCRDTManager creates a new CRDT manager. Metrics may be nil in tests.
func NewCRDTManager(cfg *ManagerConfig, eventStore *store.EventStore, m *metrics.Metrics, logger *zap.Logger) *CRDTManager {
	if cfg.ClockSkewTolerance == 0 {
		cfg.ClockSkewTolerance = 5 * time.Minute
	}
	return &CRDTManager{
		nodeID:             cfg.NodeID,
		store:              eventStore,
		logger:             logger,
		metrics:            m,
		clockSkewTolerance: cfg.ClockSkewTolerance,
		registers:          make(map[string]crdt.LWWRegister),
		entityLocks:        make(map[string]*sync.Mutex),
		mergesByOrigin:     crdt.NewGCounter(),
		knownEntities:      crdt.NewGSet(),
	}
}

// NodeID returns this node's identifier.
func (m *CRDTManager) NodeID() string { return m.nodeID }

// CreateEntity creates a new entity with the given initial payload. It fails
// with an already-exists error when a live, non-tombstoned register for the
// entity exists. Creating over a tombstone is allowed and continues the
// tombstone's causal history.
func (m *CRDTManager) CreateEntity(ctx context.Context, entityID string, payload map[string]interface{}) error {
	if entityID == "" {
		return syncerrors.InvalidArgument("entity_id is required", nil)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	lock := m.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	current, found, err := m.loadRegister(ctx, entityID)
	if err != nil {
		return err
	}
	if found && !current.Deleted() {
		return syncerrors.EntityAlreadyExists(entityID)
	}

	base := model.VectorClock{}
	if found {
		base = current.Clock
	}

	register := crdt.LWWRegister{
		EntityID:     entityID,
		Val:          payload,
		Clock:        base.Increment(m.nodeID),
		WriterNodeID: m.nodeID,
		Timestamp:    time.Now().UTC(),
	}

	if err := m.persist(ctx, register, model.EventTypeCreated); err != nil {
		return err
	}

	m.logger.Info("Entity created",
		zap.String("entity_id", entityID),
		zap.String("node_id", m.nodeID))
	return nil
}

// UpdateEntity applies a patch on top of the entity's current value. The
// local write is built from the current clock incremented, so it always
// causally dominates the state it replaces. Unknown or tombstoned entities
// fail with a not-found error.
func (m *CRDTManager) UpdateEntity(ctx context.Context, entityID string, patch map[string]interface{}) error {
	if entityID == "" {
		return syncerrors.InvalidArgument("entity_id is required", nil)
	}

	lock := m.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	current, found, err := m.loadRegister(ctx, entityID)
	if err != nil {
		return err
	}
	if !found || current.Deleted() {
		return syncerrors.EntityNotFound(entityID)
	}

	merged := make(map[string]interface{}, len(current.Val)+len(patch))
	for key, value := range current.Val {
		merged[key] = value
	}
	for key, value := range patch {
		merged[key] = value
	}

	register := crdt.LWWRegister{
		EntityID:     entityID,
		Val:          merged,
		Clock:        current.Clock.Increment(m.nodeID),
		WriterNodeID: m.nodeID,
		Timestamp:    time.Now().UTC(),
	}

	if err := m.persist(ctx, register, model.EventTypeUpdated); err != nil {
		return err
	}

	m.logger.Info("Entity updated",
		zap.String("entity_id", entityID),
		zap.String("node_id", m.nodeID))
	return nil
}

// DeleteEntity writes a tombstone value through the same register path as
// any other write. The tombstone participates in causal merge like a normal
// value, so a concurrent remote update can still win against it. Deleting
// an already-tombstoned entity is a no-op.
func (m *CRDTManager) DeleteEntity(ctx context.Context, entityID string) error {
	if entityID == "" {
		return syncerrors.InvalidArgument("entity_id is required", nil)
	}

	lock := m.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	current, found, err := m.loadRegister(ctx, entityID)
	if err != nil {
		return err
	}
	if !found {
		return syncerrors.EntityNotFound(entityID)
	}
	if current.Deleted() {
		return nil
	}

	now := time.Now().UTC()
	tombstone := make(map[string]interface{}, len(current.Val)+2)
	for key, value := range current.Val {
		tombstone[key] = value
	}
	tombstone["deleted"] = true
	tombstone["deleted_at"] = now.Format(time.RFC3339Nano)

	register := crdt.LWWRegister{
		EntityID:     entityID,
		Val:          tombstone,
		Clock:        current.Clock.Increment(m.nodeID),
		WriterNodeID: m.nodeID,
		Timestamp:    now,
	}

	if err := m.persist(ctx, register, model.EventTypeDeleted); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.TombstonesTotal.Inc()
	}
	m.logger.Info("Entity tombstoned",
		zap.String("entity_id", entityID),
		zap.String("node_id", m.nodeID))
	return nil
}

// GetEntityState returns the entity's current value. Tombstoned entities
// read as not found. Falls back from the live cache to the snapshot and
// finally to full event replay.
func (m *CRDTManager) GetEntityState(ctx context.Context, entityID string) (map[string]interface{}, bool, error) {
	lock := m.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	register, found, err := m.loadRegister(ctx, entityID)
	if err != nil {
		return nil, false, err
	}
	if !found || register.Deleted() {
		return nil, false, nil
	}
	return register.Val, true, nil
}

// ApplyRemoteEvents merges a batch of remote events into local state. Each
// event's implied register state is merged against the local register; when
// the merge changes local state a new local event recording the merge
// outcome is persisted, so subsequent sync exports propagate the merged
// result rather than the raw remote event. Returns the number of events
// that changed state; re-delivering an already-merged batch is a no-op.
func (m *CRDTManager) ApplyRemoteEvents(ctx context.Context, events []model.Event) (int, error) {
	mergedCount := 0

	for _, ev := range events {
		if err := m.applyRemoteEvent(ctx, ev, &mergedCount); err != nil {
			return mergedCount, err
		}
	}

	m.logger.Info("Applied remote events",
		zap.Int("received", len(events)),
		zap.Int("merged", mergedCount))
	return mergedCount, nil
}

func (m *CRDTManager) applyRemoteEvent(ctx context.Context, ev model.Event, mergedCount *int) error {
	m.checkClockSkew(ev)

	lock := m.entityLock(ev.EntityID)
	lock.Lock()
	defer lock.Unlock()

	if m.metrics != nil {
		m.metrics.RemoteEventsAppliedTotal.Inc()
	}

	remote := crdt.RegisterFromEvent(ev)

	local, found, err := m.loadRegister(ctx, ev.EntityID)
	if err != nil {
		return err
	}

	var merged crdt.LWWRegister
	if !found {
		merged = remote
	} else {
		if local.Clock.Compare(remote.Clock) == model.ClockConcurrent && m.metrics != nil {
			m.metrics.ConcurrentTieBreaksTotal.Inc()
		}
		merged = local.Merge(remote)
		if merged.Equal(local) {
			return nil
		}
	}

	eventType := model.EventTypeUpdated
	if !found {
		eventType = model.EventTypeCreated
	}
	if merged.Deleted() {
		eventType = model.EventTypeDeleted
	}

	// The merge event carries the merged clock unchanged. Incrementing the
	// local counter here would make every round generate fresh events and
	// the cluster would never quiesce.
	if err := m.persist(ctx, merged, eventType); err != nil {
		return err
	}

	m.recordMergeStats(ev.NodeID, ev.EntityID)
	*mergedCount++

	if m.metrics != nil {
		m.metrics.MergesChangedStateTotal.Inc()
	}
	return nil
}

// RebuildStateFromEvents forces a full replay of the entity's event log,
// refreshing the cache with the result. Used by conflict-resolution and
// consistency-repair tooling.
func (m *CRDTManager) RebuildStateFromEvents(ctx context.Context, entityID string) (crdt.LWWRegister, bool, error) {
	lock := m.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	register, found, err := m.store.ReplayEntity(ctx, entityID)
	if err != nil {
		return crdt.LWWRegister{}, false, err
	}
	if !found {
		return crdt.LWWRegister{}, false, nil
	}

	m.cacheRegister(register)
	return register, true, nil
}

// EvictEntity drops an entity's register from the in-memory cache. The
// register holds nothing that is not derivable from the event log, so
// eviction is always safe.
func (m *CRDTManager) EvictEntity(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registers, entityID)
	if m.metrics != nil {
		m.metrics.ActiveRegisters.Set(float64(len(m.registers)))
	}
}

// Statistics reports manager state for observability.
type Statistics struct {
	NodeID          string           `json:"node_id"`
	ActiveRegisters int              `json:"active_registers"`
	KnownEntities   int              `json:"known_entities"`
	MergedByOrigin  map[string]int64 `json:"merged_by_origin"`
}

// GetStatistics returns counters describing merge activity. The per-origin
// counts ride on a G-Counter and the entity set on a G-Set, so statistics
// from different nodes can themselves be merged without coordination.
func (m *CRDTManager) GetStatistics() Statistics {
	m.mu.Lock()
	active := len(m.registers)
	m.mu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return Statistics{
		NodeID:          m.nodeID,
		ActiveRegisters: active,
		KnownEntities:   m.knownEntities.Len(),
		MergedByOrigin:  m.mergesByOrigin.Counts(),
	}
}

func (m *CRDTManager) recordMergeStats(originNodeID, entityID string) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.mergesByOrigin = m.mergesByOrigin.Increment(originNodeID, 1)
	m.knownEntities = m.knownEntities.Add(entityID)
}

func (m *CRDTManager) checkClockSkew(ev model.Event) {
	skew := time.Since(ev.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > m.clockSkewTolerance {
		// Logged only: causal comparison is primary and the timestamp is
		// just a tie-break, so a skewed clock never blocks the merge.
		m.logger.Warn("Remote event timestamp outside skew tolerance",
			zap.String("event_id", ev.EventID),
			zap.String("origin_node_id", ev.NodeID),
			zap.Duration("skew", skew),
			zap.Duration("tolerance", m.clockSkewTolerance))
		if m.metrics != nil {
			m.metrics.ClockSkewWarningsTotal.Inc()
		}
	}
}

// persist appends the register's event together with its snapshot in one
// transaction, then swaps the cached register. The event is durable before
// the cache changes; on failure the cache is untouched.
func (m *CRDTManager) persist(ctx context.Context, register crdt.LWWRegister, eventType model.EventType) error {
	start := time.Now()

	// The event records the winning writer, not necessarily this node, so
	// replaying the log reconstructs the exact same register including its
	// tie-break identity.
	ev := &model.Event{
		EventID:     uuid.NewString(),
		EntityID:    register.EntityID,
		EventType:   eventType,
		Data:        register.Val,
		Timestamp:   register.Timestamp,
		NodeID:      register.WriterNodeID,
		VectorClock: register.Clock,
	}
	snap := register.Snapshot(time.Now().UTC())

	if err := m.store.AppendWithSnapshot(ctx, ev, &snap); err != nil {
		return err
	}

	m.cacheRegister(register)

	if m.metrics != nil {
		m.metrics.EventsAppendedTotal.Inc()
		m.metrics.EventAppendDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (m *CRDTManager) cacheRegister(register crdt.LWWRegister) {
	m.mu.Lock()
	m.registers[register.EntityID] = register
	size := len(m.registers)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveRegisters.Set(float64(size))
	}
}

// loadRegister resolves an entity's register: live cache first, then the
// persisted snapshot, then full event replay.
func (m *CRDTManager) loadRegister(ctx context.Context, entityID string) (crdt.LWWRegister, bool, error) {
	m.mu.Lock()
	register, ok := m.registers[entityID]
	m.mu.Unlock()
	if ok {
		return register, true, nil
	}

	snap, found, err := m.store.GetSnapshot(ctx, entityID)
	if err != nil {
		return crdt.LWWRegister{}, false, err
	}
	if found {
		register = crdt.RegisterFromSnapshot(*snap)
		m.cacheRegister(register)
		return register, true, nil
	}

	register, found, err = m.store.ReplayEntity(ctx, entityID)
	if err != nil {
		return crdt.LWWRegister{}, false, err
	}
	if !found {
		return crdt.LWWRegister{}, false, nil
	}
	m.cacheRegister(register)
	return register, true, nil
}

// entityLock returns the mutex serializing all mutations of one entity.
func (m *CRDTManager) entityLock(entityID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.entityLocks[entityID]
	if !ok {
		lock = &sync.Mutex{}
		m.entityLocks[entityID] = lock
	}
	return lock
}
