// Package transport moves serialized event batches between nodes. The sync
// engine depends only on the Transport contract; how bytes physically move
// is a collaborator concern.
package transport

import (
	"context"
	"time"

	"github.com/Chundyy/CRDT-SSS/internal/model"
)

// RemoteNode is a resolved sync target. Address resolution happens in
// configuration or gossip; the core never resolves addresses itself.
type RemoteNode struct {
	NodeID  string `yaml:"node_id" json:"node_id"`
	Address string `yaml:"address" json:"address"`
}

// Transport is the abstract send/receive contract for event batches.
// SendEvents returns nil only on confirmed delivery; duplicate re-delivery
// after an ambiguous failure is expected and safe because merging is
// idempotent.
type Transport interface {
	SendEvents(ctx context.Context, node RemoteNode, events []model.Event) error
	FetchEvents(ctx context.Context, node RemoteNode, since time.Time) ([]model.Event, error)
}
