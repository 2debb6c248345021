// Package crdt implements the replicated data types used for convergent
// state: grow-only counter, grow-only set, two-phase set and the
// last-write-wins register. Every type is a value with pure operations;
// Merge never mutates its inputs and is commutative, associative and
// idempotent by construction.
package crdt

import (
	"fmt"

	syncerrors "github.com/Chundyy/CRDT-SSS/internal/errors"
)

// Kind identifies one of the closed set of replicated types.
type Kind string

const (
	KindGCounter    Kind = "g-counter"
	KindGSet        Kind = "g-set"
	KindTwoPhaseSet Kind = "2p-set"
	KindLWWRegister Kind = "lww-register"
)

// State is the capability shared by all replicated types.
type State interface {
	Kind() Kind
	Value() interface{}
}

// Merge combines two states of the same kind. Merging states of different
// kinds is a programmer error and fails loudly rather than being handled.
func Merge(a, b State) (State, error) {
	if a.Kind() != b.Kind() {
		return nil, syncerrors.InvalidArgument(
			fmt.Sprintf("cannot merge %s with %s", a.Kind(), b.Kind()), nil)
	}

	switch av := a.(type) {
	case GCounter:
		return av.Merge(b.(GCounter)), nil
	case GSet:
		return av.Merge(b.(GSet)), nil
	case TwoPhaseSet:
		return av.Merge(b.(TwoPhaseSet)), nil
	case LWWRegister:
		return av.Merge(b.(LWWRegister)), nil
	default:
		panic(fmt.Sprintf("unknown CRDT kind: %s", a.Kind()))
	}
}
