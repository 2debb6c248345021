package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	syncerrors "github.com/Chundyy/CRDT-SSS/internal/errors"
	"github.com/Chundyy/CRDT-SSS/internal/metrics"
	"github.com/Chundyy/CRDT-SSS/internal/model"
	"github.com/Chundyy/CRDT-SSS/internal/service"
	"github.com/Chundyy/CRDT-SSS/internal/store"
	"github.com/Chundyy/CRDT-SSS/internal/transport"
)

// fakeTransport records sent batches and serves canned fetch responses.
type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]model.Event
	fetchQueue [][]model.Event
	sendErr    error
	fetchErr   error
	lastSince  time.Time
}

func (f *fakeTransport) SendEvents(ctx context.Context, node transport.RemoteNode, events []model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, events)
	return nil
}

func (f *fakeTransport) FetchEvents(ctx context.Context, node transport.RemoteNode, since time.Time) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSince = since
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if len(f.fetchQueue) == 0 {
		return nil, nil
	}
	batch := f.fetchQueue[0]
	f.fetchQueue = f.fetchQueue[1:]
	return batch, nil
}

func (f *fakeTransport) sentBatches() [][]model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func setupEngine(t *testing.T, tp transport.Transport, remotes ...transport.RemoteNode) (*service.SyncEngine, *service.CRDTManager, *store.EventStore) {
	t.Helper()

	eventStore, err := store.Open(filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	manager := service.NewCRDTManager(
		&service.ManagerConfig{NodeID: "node-a"},
		eventStore,
		nil,
		zap.NewNop(),
	)
	engine := service.NewSyncEngine(manager, eventStore, tp, remotes, nil, zap.NewNop())
	return engine, manager, eventStore
}

var remoteB = transport.RemoteNode{NodeID: "node-b", Address: "http://node-b:8460"}

func TestSyncEngine_PushSendsLocalEvents(t *testing.T) {
	tp := &fakeTransport{}
	engine, manager, _ := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	require.NoError(t, manager.CreateEntity(ctx, "doc-1", map[string]interface{}{"title": "hello"}))
	require.NoError(t, manager.UpdateEntity(ctx, "doc-1", map[string]interface{}{"title": "v2"}))

	sent, err := engine.PushSync(ctx, remoteB, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	require.Len(t, tp.sentBatches(), 1)
	assert.Len(t, tp.sentBatches()[0], 2)
}

func TestSyncEngine_PushAdvancesWatermark(t *testing.T) {
	tp := &fakeTransport{}
	engine, manager, _ := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	require.NoError(t, manager.CreateEntity(ctx, "doc-1", map[string]interface{}{"v": 1.0}))

	sent, err := engine.PushSync(ctx, remoteB, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// Nothing new: the second round sends nothing.
	sent, err = engine.PushSync(ctx, remoteB, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Len(t, tp.sentBatches(), 1)
}

func TestSyncEngine_PushFailureKeepsWatermark(t *testing.T) {
	tp := &fakeTransport{sendErr: syncerrors.TransportFailed("node-b", "connection refused", nil)}
	engine, manager, _ := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	require.NoError(t, manager.CreateEntity(ctx, "doc-1", map[string]interface{}{"v": 1.0}))

	_, err := engine.PushSync(ctx, remoteB, nil)
	require.Error(t, err)
	assert.True(t, syncerrors.IsCode(err, syncerrors.ErrCodeTransport))

	// After the transport recovers, the same events are re-sent: the
	// watermark never moved for the failed round.
	tp.sendErr = nil
	sent, err := engine.PushSync(ctx, remoteB, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestSyncEngine_PullMergesRemoteEvents(t *testing.T) {
	remoteEvents := []model.Event{
		remoteEvent("doc-1", "node-b", model.EventTypeCreated, time.Now().UTC(),
			model.VectorClock{"node-b": 1}, map[string]interface{}{"title": "remote"}),
	}
	tp := &fakeTransport{fetchQueue: [][]model.Event{remoteEvents}}
	engine, manager, _ := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	received, err := engine.PullSync(ctx, remoteB)
	require.NoError(t, err)
	assert.Equal(t, 1, received)

	state, found, err := manager.GetEntityState(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "remote", state["title"])
}

func TestSyncEngine_PullUsesWatermarkAsCursor(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	firstBatch := []model.Event{
		remoteEvent("doc-1", "node-b", model.EventTypeCreated, base,
			model.VectorClock{"node-b": 1}, map[string]interface{}{"v": 1.0}),
	}
	tp := &fakeTransport{fetchQueue: [][]model.Event{firstBatch, nil}}
	engine, _, _ := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	_, err := engine.PullSync(ctx, remoteB)
	require.NoError(t, err)

	_, err = engine.PullSync(ctx, remoteB)
	require.NoError(t, err)
	assert.True(t, base.Equal(tp.lastSince),
		"second round asks for events after the newest one received")
}

func TestSyncEngine_BidirectionalPullsThenPushes(t *testing.T) {
	remoteEvents := []model.Event{
		remoteEvent("doc-1", "node-b", model.EventTypeCreated, time.Now().UTC(),
			model.VectorClock{"node-b": 1}, map[string]interface{}{"title": "remote"}),
	}
	tp := &fakeTransport{fetchQueue: [][]model.Event{remoteEvents}}
	engine, manager, _ := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	require.NoError(t, manager.CreateEntity(ctx, "doc-2", map[string]interface{}{"title": "local"}))

	result, err := engine.BidirectionalSync(ctx, remoteB)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Received)

	// The push runs after the pull, so it includes both the local create
	// and the merge-outcome event for the adopted remote entity.
	assert.Equal(t, 2, result.Sent)
	batches := tp.sentBatches()
	require.Len(t, batches, 1)

	entities := map[string]bool{}
	for _, ev := range batches[0] {
		entities[ev.EntityID] = true
	}
	assert.True(t, entities["doc-1"])
	assert.True(t, entities["doc-2"])
}

func TestSyncEngine_GetSyncStatus(t *testing.T) {
	tp := &fakeTransport{}
	engine, manager, _ := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	status, err := engine.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Contains(t, status, "node-b")
	assert.Nil(t, status["node-b"].LastSyncTime)
	assert.Equal(t, 0, status["node-b"].PendingLocalCount)

	require.NoError(t, manager.CreateEntity(ctx, "doc-1", map[string]interface{}{"v": 1.0}))

	status, err = engine.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status["node-b"].PendingLocalCount)

	_, err = engine.PushSync(ctx, remoteB, nil)
	require.NoError(t, err)

	status, err = engine.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, status["node-b"].LastSyncTime)
	assert.Equal(t, 0, status["node-b"].PendingLocalCount)
}

func TestSyncEngine_PendingEventsGauge(t *testing.T) {
	eventStore, err := store.Open(filepath.Join(t.TempDir(), "events.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	m := metrics.NewMetricsWith(prometheus.NewRegistry(), "node-a")
	manager := service.NewCRDTManager(&service.ManagerConfig{NodeID: "node-a"}, eventStore, m, zap.NewNop())
	tp := &fakeTransport{}
	engine := service.NewSyncEngine(manager, eventStore, tp, []transport.RemoteNode{remoteB}, m, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, manager.CreateEntity(ctx, "doc-1", map[string]interface{}{"v": 1.0}))
	require.NoError(t, manager.CreateEntity(ctx, "doc-2", map[string]interface{}{"v": 2.0}))

	// A status read exports the backlog of the slowest remote.
	_, err = engine.GetSyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PendingEvents))

	// A confirmed push drains it.
	_, err = engine.PushSync(ctx, remoteB, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PendingEvents))
}

func TestSyncEngine_PendingEntities(t *testing.T) {
	tp := &fakeTransport{}
	engine, manager, _ := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	require.NoError(t, manager.CreateEntity(ctx, "doc-1", map[string]interface{}{"v": 1.0}))
	require.NoError(t, manager.CreateEntity(ctx, "doc-2", map[string]interface{}{"v": 2.0}))

	pending, err := engine.PendingEntities(ctx, "node-b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-1", "doc-2"}, pending)

	_, err = engine.PushSync(ctx, remoteB, nil)
	require.NoError(t, err)

	pending, err = engine.PendingEntities(ctx, "node-b")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSyncEngine_ResolveConflicts(t *testing.T) {
	tp := &fakeTransport{}
	engine, manager, eventStore := setupEngine(t, tp, remoteB)
	ctx := context.Background()

	require.NoError(t, manager.CreateEntity(ctx, "doc-1", map[string]interface{}{"title": "v1"}))
	require.NoError(t, manager.UpdateEntity(ctx, "doc-1", map[string]interface{}{"title": "v2"}))

	// Resolving twice is idempotent and leaves the snapshot agreeing with
	// full replay.
	require.NoError(t, engine.ResolveConflicts(ctx, "doc-1"))
	require.NoError(t, engine.ResolveConflicts(ctx, "doc-1"))

	snap, found, err := eventStore.GetSnapshot(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", snap.State["title"])

	err = engine.ResolveConflicts(ctx, "ghost")
	assert.True(t, syncerrors.IsCode(err, syncerrors.ErrCodeNotFound))
}

func TestSyncEngine_AddAndRemoveRemote(t *testing.T) {
	tp := &fakeTransport{}
	engine, _, _ := setupEngine(t, tp)

	assert.Empty(t, engine.Remotes())

	engine.AddRemote(remoteB)
	require.Len(t, engine.Remotes(), 1)
	got, ok := engine.Remote("node-b")
	require.True(t, ok)
	assert.Equal(t, remoteB.Address, got.Address)

	engine.RemoveRemote("node-b")
	assert.Empty(t, engine.Remotes())
}
