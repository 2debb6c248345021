package crdt

import syncerrors "github.com/Chundyy/CRDT-SSS/internal/errors"

// TwoPhaseSet is a pair of grow-only sets. An element is a member iff it is
// in the added set and absent from the removed set. Removal is a monotonic
// tombstone: once removed, an element can never become a member again, even
// after another Add. Callers must design around that limitation.
type TwoPhaseSet struct {
	added   GSet
	removed GSet
}

// NewTwoPhaseSet creates an empty two-phase set.
func NewTwoPhaseSet() TwoPhaseSet {
	return TwoPhaseSet{added: NewGSet(), removed: NewGSet()}
}

// Kind implements State.
func (s TwoPhaseSet) Kind() Kind { return KindTwoPhaseSet }

// Value implements State and returns the sorted member list.
func (s TwoPhaseSet) Value() interface{} { return s.Members() }

// Add returns a new set with the element added. Adding a removed element
// records the add but does not restore membership.
func (s TwoPhaseSet) Add(element string) TwoPhaseSet {
	return TwoPhaseSet{added: s.added.Add(element), removed: s.removed}
}

// Remove returns a new set with the element tombstoned. It fails with a
// not-a-member error when the element is not currently a member.
func (s TwoPhaseSet) Remove(element string) (TwoPhaseSet, error) {
	if !s.Contains(element) {
		return s, syncerrors.NotAMember(element)
	}
	return TwoPhaseSet{added: s.added, removed: s.removed.Add(element)}, nil
}

// Contains reports whether the element is currently a member.
func (s TwoPhaseSet) Contains(element string) bool {
	return s.added.Contains(element) && !s.removed.Contains(element)
}

// Members returns the current members in sorted order.
func (s TwoPhaseSet) Members() []string {
	out := make([]string, 0, s.added.Len())
	for _, element := range s.added.Elements() {
		if !s.removed.Contains(element) {
			out = append(out, element)
		}
	}
	return out
}

// Merge unions both phases independently.
func (s TwoPhaseSet) Merge(other TwoPhaseSet) TwoPhaseSet {
	return TwoPhaseSet{
		added:   s.added.Merge(other.added),
		removed: s.removed.Merge(other.removed),
	}
}
