package crdt

import "sort"

// GSet is a grow-only set: elements can be added but never removed, so
// merge is plain set union.
type GSet struct {
	elements map[string]struct{}
}

// NewGSet creates an empty grow-only set.
func NewGSet(elements ...string) GSet {
	s := GSet{elements: make(map[string]struct{}, len(elements))}
	for _, element := range elements {
		s.elements[element] = struct{}{}
	}
	return s
}

// Kind implements State.
func (s GSet) Kind() Kind { return KindGSet }

// Value implements State and returns the sorted element list.
func (s GSet) Value() interface{} { return s.Elements() }

// Add returns a new set containing the element.
func (s GSet) Add(element string) GSet {
	out := s.copy()
	out.elements[element] = struct{}{}
	return out
}

// Contains reports whether the element is in the set.
func (s GSet) Contains(element string) bool {
	_, ok := s.elements[element]
	return ok
}

// Len returns the number of elements.
func (s GSet) Len() int { return len(s.elements) }

// Elements returns the elements in sorted order.
func (s GSet) Elements() []string {
	out := make([]string, 0, len(s.elements))
	for element := range s.elements {
		out = append(out, element)
	}
	sort.Strings(out)
	return out
}

// Merge returns the union of both sets.
func (s GSet) Merge(other GSet) GSet {
	out := s.copy()
	for element := range other.elements {
		out.elements[element] = struct{}{}
	}
	return out
}

func (s GSet) copy() GSet {
	out := GSet{elements: make(map[string]struct{}, len(s.elements))}
	for element := range s.elements {
		out.elements[element] = struct{}{}
	}
	return out
}
