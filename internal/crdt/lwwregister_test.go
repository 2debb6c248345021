package crdt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Chundyy/CRDT-SSS/internal/crdt"
	"github.com/Chundyy/CRDT-SSS/internal/model"
)

func register(entityID, writer string, clock model.VectorClock, ts time.Time, val map[string]interface{}) crdt.LWWRegister {
	return crdt.LWWRegister{
		EntityID:     entityID,
		Val:          val,
		Clock:        clock,
		WriterNodeID: writer,
		Timestamp:    ts,
	}
}

func TestLWWRegister_MergeCausalDominanceWins(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	ancestor := register("doc-1", "node-a",
		model.VectorClock{"node-a": 1}, base,
		map[string]interface{}{"title": "old"})
	descendant := register("doc-1", "node-b",
		model.VectorClock{"node-a": 1, "node-b": 1}, base.Add(-time.Hour),
		map[string]interface{}{"title": "new"})

	// The descendant wins even though its wall-clock timestamp is OLDER:
	// causal order is primary, timestamps only break concurrency ties.
	merged := ancestor.Merge(descendant)
	assert.Equal(t, "new", merged.Val["title"])
	assert.Equal(t, "node-b", merged.WriterNodeID)
	assert.Equal(t, model.VectorClock{"node-a": 1, "node-b": 1}, merged.Clock)
}

func TestLWWRegister_MergeConcurrentTimestampTieBreak(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	a := register("doc-1", "node-a",
		model.VectorClock{"node-a": 2}, base.Add(time.Second),
		map[string]interface{}{"v": "from-a"})
	b := register("doc-1", "node-b",
		model.VectorClock{"node-b": 2}, base,
		map[string]interface{}{"v": "from-b"})

	merged := a.Merge(b)
	assert.Equal(t, "from-a", merged.Val["v"], "newer timestamp wins on concurrency")
	assert.Equal(t, model.VectorClock{"node-a": 2, "node-b": 2}, merged.Clock,
		"merged clock is the pointwise maximum regardless of winner")

	// Same outcome in either merge direction.
	assert.True(t, merged.Equal(b.Merge(a)))
}

func TestLWWRegister_MergeWriterNodeTieBreak(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	a := register("doc-1", "node-a",
		model.VectorClock{"node-a": 1}, ts,
		map[string]interface{}{"v": "from-a"})
	b := register("doc-1", "node-b",
		model.VectorClock{"node-b": 1}, ts,
		map[string]interface{}{"v": "from-b"})

	// Exact timestamp tie: the lexicographically greater node id wins, so
	// both replicas deterministically pick the same winner.
	assert.Equal(t, "from-b", a.Merge(b).Val["v"])
	assert.Equal(t, "from-b", b.Merge(a).Val["v"])
}

func TestLWWRegister_MergeIdempotent(t *testing.T) {
	a := register("doc-1", "node-a",
		model.VectorClock{"node-a": 3}, time.Now().UTC(),
		map[string]interface{}{"v": 1.0})

	merged := a.Merge(a)
	assert.True(t, merged.Equal(a))
}

func TestLWWRegister_MergeAssociative(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	a := register("doc-1", "node-a", model.VectorClock{"node-a": 1}, base, map[string]interface{}{"v": "a"})
	b := register("doc-1", "node-b", model.VectorClock{"node-b": 1}, base.Add(time.Second), map[string]interface{}{"v": "b"})
	c := register("doc-1", "node-c", model.VectorClock{"node-c": 1}, base.Add(2*time.Second), map[string]interface{}{"v": "c"})

	left := a.Merge(b).Merge(c)
	right := a.Merge(b.Merge(c))
	assert.True(t, left.Equal(right))
	assert.Equal(t, "c", left.Val["v"])
}

func TestLWWRegister_TombstoneIsRevertible(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tombstone := register("doc-1", "node-a",
		model.VectorClock{"node-a": 2}, base,
		map[string]interface{}{"deleted": true})
	assert.True(t, tombstone.Deleted())

	// A causally later update on top of the tombstone resurrects the
	// entity: deletion is a value, not a terminal state.
	revived := register("doc-1", "node-b",
		model.VectorClock{"node-a": 2, "node-b": 1}, base.Add(time.Minute),
		map[string]interface{}{"title": "back"})

	merged := tombstone.Merge(revived)
	assert.False(t, merged.Deleted())
	assert.Equal(t, "back", merged.Val["title"])
}

func TestLWWRegister_ConcurrentDeleteVsUpdate(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tombstone := register("doc-1", "node-a",
		model.VectorClock{"node-a": 2, "node-b": 1}, base.Add(time.Second),
		map[string]interface{}{"deleted": true})
	update := register("doc-1", "node-b",
		model.VectorClock{"node-a": 1, "node-b": 2}, base,
		map[string]interface{}{"title": "edited"})

	// Concurrent delete and update resolve by the normal tie-break; here
	// the delete carries the newer timestamp and wins on both replicas.
	assert.True(t, tombstone.Merge(update).Deleted())
	assert.True(t, update.Merge(tombstone).Deleted())
}

func TestLWWRegister_ConcurrentUpdateBeatsTombstone(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tombstone := register("doc-1", "node-a",
		model.VectorClock{"node-a": 2}, base,
		map[string]interface{}{"deleted": true})
	update := register("doc-1", "node-b",
		model.VectorClock{"node-a": 1, "node-b": 1}, base.Add(time.Second),
		map[string]interface{}{"title": "revived"})

	// The reverse direction of the tie-break: a concurrent update with the
	// newer timestamp wins AGAINST a tombstone. Deletion gets no special
	// treatment in the merge, so the update resurrects the entity.
	merged := tombstone.Merge(update)
	assert.False(t, merged.Deleted())
	assert.Equal(t, "revived", merged.Val["title"])
	assert.Equal(t, model.VectorClock{"node-a": 2, "node-b": 1}, merged.Clock)
	assert.True(t, merged.Equal(update.Merge(tombstone)))
}

func TestLWWRegister_EventSnapshotRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reg := register("doc-1", "node-a",
		model.VectorClock{"node-a": 4}, ts,
		map[string]interface{}{"title": "hello"})

	snap := reg.Snapshot(ts.Add(time.Second))
	restored := crdt.RegisterFromSnapshot(snap)
	assert.True(t, reg.Equal(restored))

	fromEvent := crdt.RegisterFromEvent(model.Event{
		EntityID:    "doc-1",
		Data:        reg.Val,
		Timestamp:   ts,
		NodeID:      "node-a",
		VectorClock: reg.Clock,
	})
	assert.True(t, reg.Equal(fromEvent))
}
