package store

import (
	"context"

	"github.com/Chundyy/CRDT-SSS/internal/crdt"
)

// ReplayEntity rebuilds an entity's register by folding every stored event
// for it, in append order, through the register merge. This is the canonical
// recovery path and doubles as the correctness oracle for the incremental
// apply-on-write path: the two must always agree.
func (s *EventStore) ReplayEntity(ctx context.Context, entityID string) (crdt.LWWRegister, bool, error) {
	events, err := s.GetEventsForEntity(ctx, entityID)
	if err != nil {
		return crdt.LWWRegister{}, false, err
	}
	if len(events) == 0 {
		return crdt.LWWRegister{}, false, nil
	}

	register := crdt.RegisterFromEvent(events[0])
	for _, ev := range events[1:] {
		register = register.Merge(crdt.RegisterFromEvent(ev))
	}
	return register, true, nil
}
