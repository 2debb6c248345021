package crdt

import (
	"reflect"
	"time"

	"github.com/Chundyy/CRDT-SSS/internal/model"
)

// LWWRegister is the last-write-wins register holding one entity's current
// state together with the causal metadata needed to merge it.
type LWWRegister struct {
	EntityID     string
	Val          map[string]interface{}
	Clock        model.VectorClock
	WriterNodeID string
	Timestamp    time.Time
}

// Kind implements State.
func (r LWWRegister) Kind() Kind { return KindLWWRegister }

// Value implements State and returns the register payload.
func (r LWWRegister) Value() interface{} { return r.Val }

// Deleted reports whether the register currently holds a tombstone value.
// Deletion is a value like any other and participates in merge normally.
func (r LWWRegister) Deleted() bool {
	deleted, ok := r.Val["deleted"].(bool)
	return ok && deleted
}

// Merge resolves two register states. Causal order decides first: when one
// clock dominates the other, the dominant state wins outright and no
// timestamps are consulted. Only for truly concurrent clocks does the
// last-write-wins tie-break apply: higher timestamp wins, and on an exact
// timestamp tie the lexicographically greater writer node ID wins. The
// merged clock is always the pointwise maximum of both inputs, so causal
// information survives even when a value is discarded.
func (r LWWRegister) Merge(other LWWRegister) LWWRegister {
	mergedClock := r.Clock.Merge(other.Clock)

	var winner LWWRegister
	switch r.Clock.Compare(other.Clock) {
	case model.ClockAfter, model.ClockEqual:
		winner = r
	case model.ClockBefore:
		winner = other
	case model.ClockConcurrent:
		winner = r
		if other.Timestamp.After(r.Timestamp) ||
			(other.Timestamp.Equal(r.Timestamp) && other.WriterNodeID > r.WriterNodeID) {
			winner = other
		}
	}

	winner.Clock = mergedClock
	return winner
}

// Equal reports whether two registers carry the same observable state:
// identical clock, winning writer, write timestamp and payload.
func (r LWWRegister) Equal(other LWWRegister) bool {
	return r.Clock.Equal(other.Clock) &&
		r.WriterNodeID == other.WriterNodeID &&
		r.Timestamp.Equal(other.Timestamp) &&
		reflect.DeepEqual(r.Val, other.Val)
}

// RegisterFromEvent reconstructs the register state implied by an event.
func RegisterFromEvent(ev model.Event) LWWRegister {
	return LWWRegister{
		EntityID:     ev.EntityID,
		Val:          ev.Data,
		Clock:        ev.VectorClock.Copy(),
		WriterNodeID: ev.NodeID,
		Timestamp:    ev.Timestamp,
	}
}

// RegisterFromSnapshot reconstructs the register state a snapshot recorded.
func RegisterFromSnapshot(snap model.Snapshot) LWWRegister {
	return LWWRegister{
		EntityID:     snap.EntityID,
		Val:          snap.State,
		Clock:        snap.VectorClock.Copy(),
		WriterNodeID: snap.LastWriter,
		Timestamp:    snap.LastWriteTS,
	}
}

// Snapshot materializes the register into its persisted snapshot form.
func (r LWWRegister) Snapshot(now time.Time) model.Snapshot {
	return model.Snapshot{
		EntityID:    r.EntityID,
		State:       r.Val,
		VectorClock: r.Clock.Copy(),
		LastWriter:  r.WriterNodeID,
		LastWriteTS: r.Timestamp,
		UpdatedAt:   now,
	}
}
