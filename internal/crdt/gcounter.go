package crdt

// GCounter is a grow-only counter: a map from node ID to that node's count.
// The counter value is the sum of all per-node counts and never decreases.
type GCounter struct {
	counts map[string]int64
}

// NewGCounter creates an empty grow-only counter.
func NewGCounter() GCounter {
	return GCounter{counts: make(map[string]int64)}
}

// Kind implements State.
func (c GCounter) Kind() Kind { return KindGCounter }

// Value implements State and returns the counter total.
func (c GCounter) Value() interface{} { return c.Total() }

// Total returns the sum of all per-node counts.
func (c GCounter) Total() int64 {
	var total int64
	for _, count := range c.counts {
		total += count
	}
	return total
}

// Count returns the count recorded for a single node.
func (c GCounter) Count(nodeID string) int64 {
	return c.counts[nodeID]
}

// Increment returns a new counter with the caller's own entry advanced by
// delta. Non-positive deltas are ignored; a G-Counter never decreases.
func (c GCounter) Increment(nodeID string, delta int64) GCounter {
	if delta <= 0 {
		return c
	}
	out := c.copy()
	out.counts[nodeID] += delta
	return out
}

// Merge returns the pointwise maximum of both counters per node.
func (c GCounter) Merge(other GCounter) GCounter {
	out := c.copy()
	for nodeID, count := range other.counts {
		if count > out.counts[nodeID] {
			out.counts[nodeID] = count
		}
	}
	return out
}

// Counts returns a copy of the per-node counts.
func (c GCounter) Counts() map[string]int64 {
	out := make(map[string]int64, len(c.counts))
	for nodeID, count := range c.counts {
		out[nodeID] = count
	}
	return out
}

func (c GCounter) copy() GCounter {
	return GCounter{counts: c.Counts()}
}
