package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/Chundyy/CRDT-SSS/internal/errors"
	"github.com/Chundyy/CRDT-SSS/internal/model"
)

// EventBatch is the wire envelope for a batch of events.
type EventBatch struct {
	NodeID string        `json:"node_id"`
	Events []model.Event `json:"events"`
}

// HTTPTransport exchanges JSON event batches with remote nodes over HTTP.
type HTTPTransport struct {
	nodeID string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPTransport creates an HTTP transport client.
func NewHTTPTransport(nodeID string, timeout time.Duration, logger *zap.Logger) *HTTPTransport {
	return &HTTPTransport{
		nodeID: nodeID,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// SendEvents delivers an event batch to the remote node. A nil return means
// the remote acknowledged the batch.
func (t *HTTPTransport) SendEvents(ctx context.Context, node RemoteNode, events []model.Event) error {
	body, err := json.Marshal(EventBatch{NodeID: t.nodeID, Events: events})
	if err != nil {
		return syncerrors.InternalError("failed to marshal event batch", err)
	}

	endpoint := fmt.Sprintf("%s/v1/sync/events", node.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return syncerrors.TransportFailed(node.NodeID, "failed to build sync request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return syncerrors.TransportFailed(node.NodeID, "failed to deliver event batch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return syncerrors.TransportFailed(node.NodeID,
			fmt.Sprintf("remote rejected event batch: %d %s", resp.StatusCode, string(msg)), nil)
	}

	t.logger.Debug("Delivered event batch",
		zap.String("remote_node_id", node.NodeID),
		zap.Int("events", len(events)))

	return nil
}

// FetchEvents requests events newer than since from the remote node.
func (t *HTTPTransport) FetchEvents(ctx context.Context, node RemoteNode, since time.Time) ([]model.Event, error) {
	endpoint := fmt.Sprintf("%s/v1/sync/events?since=%s&node_id=%s",
		node.Address,
		url.QueryEscape(since.UTC().Format(time.RFC3339Nano)),
		url.QueryEscape(t.nodeID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerrors.TransportFailed(node.NodeID, "failed to build fetch request", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, syncerrors.TransportFailed(node.NodeID, "failed to fetch events", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, syncerrors.TransportFailed(node.NodeID,
			fmt.Sprintf("remote rejected fetch: %d %s", resp.StatusCode, string(msg)), nil)
	}

	var batch EventBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, syncerrors.TransportFailed(node.NodeID, "failed to decode event batch", err)
	}

	t.logger.Debug("Fetched event batch",
		zap.String("remote_node_id", node.NodeID),
		zap.Int("events", len(batch.Events)))

	return batch.Events, nil
}
