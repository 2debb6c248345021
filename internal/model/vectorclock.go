package model

// VectorClock tracks causality as a map from node ID to a monotonically
// increasing logical counter. A node only ever advances its own entry;
// missing entries are treated as zero.
type VectorClock map[string]int64

// ClockRelation is the result of comparing two vector clocks.
type ClockRelation int

const (
	// ClockEqual means both clocks are identical.
	ClockEqual ClockRelation = iota
	// ClockBefore means the first clock causally precedes the second.
	ClockBefore
	// ClockAfter means the first clock causally succeeds the second.
	ClockAfter
	// ClockConcurrent means neither clock dominates the other.
	ClockConcurrent
)

// String returns a human-readable name for the relation.
func (r ClockRelation) String() string {
	switch r {
	case ClockEqual:
		return "equal"
	case ClockBefore:
		return "before"
	case ClockAfter:
		return "after"
	default:
		return "concurrent"
	}
}

// Copy returns an independent copy of the clock.
func (vc VectorClock) Copy() VectorClock {
	out := make(VectorClock, len(vc))
	for nodeID, counter := range vc {
		out[nodeID] = counter
	}
	return out
}

// Counter returns the counter for the given node, zero if absent.
func (vc VectorClock) Counter(nodeID string) int64 {
	return vc[nodeID]
}

// Increment returns a new clock with the given node's counter advanced by
// one. The receiver is left unchanged.
func (vc VectorClock) Increment(nodeID string) VectorClock {
	out := vc.Copy()
	out[nodeID]++
	return out
}

// Merge returns the pointwise maximum of both clocks over the union of their
// node keys. Merge is commutative, associative and idempotent.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Copy()
	for nodeID, counter := range other {
		if counter > out[nodeID] {
			out[nodeID] = counter
		}
	}
	return out
}

// Compare determines the causal relationship between two clocks by pairwise
// comparison of all entries.
func (vc VectorClock) Compare(other VectorClock) ClockRelation {
	allNodes := make(map[string]struct{}, len(vc)+len(other))
	for nodeID := range vc {
		allNodes[nodeID] = struct{}{}
	}
	for nodeID := range other {
		allNodes[nodeID] = struct{}{}
	}

	selfLess := false
	selfGreater := false

	for nodeID := range allNodes {
		selfVal := vc[nodeID]
		otherVal := other[nodeID]

		if selfVal < otherVal {
			selfLess = true
		} else if selfVal > otherVal {
			selfGreater = true
		}
	}

	switch {
	case !selfLess && !selfGreater:
		return ClockEqual
	case selfLess && !selfGreater:
		return ClockBefore
	case selfGreater && !selfLess:
		return ClockAfter
	default:
		return ClockConcurrent
	}
}

// Equal reports whether both clocks carry identical counters.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == ClockEqual
}
