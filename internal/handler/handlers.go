// Package handler provides HTTP request handlers for the sync node.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	syncerrors "github.com/Chundyy/CRDT-SSS/internal/errors"
	"github.com/Chundyy/CRDT-SSS/internal/model"
	"github.com/Chundyy/CRDT-SSS/internal/service"
	"github.com/Chundyy/CRDT-SSS/internal/transport"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	manager   *service.CRDTManager
	engine    *service.SyncEngine
	scheduler *service.SyncScheduler
	logger    *zap.Logger
	timeout   time.Duration
}

// NewHandlers creates a new Handlers instance. The scheduler may be nil when
// periodic sync is disabled; the manual trigger endpoint then reports 0.
func NewHandlers(
	manager *service.CRDTManager,
	engine *service.SyncEngine,
	scheduler *service.SyncScheduler,
	logger *zap.Logger,
	timeout time.Duration,
) *Handlers {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handlers{
		manager:   manager,
		engine:    engine,
		scheduler: scheduler,
		logger:    logger,
		timeout:   timeout,
	}
}

type entityRequest struct {
	Data map[string]interface{} `json:"data"`
}

type entityResponse struct {
	EntityID string                 `json:"entity_id"`
	State    map[string]interface{} `json:"state"`
}

// ReceiveEvents handles POST /v1/sync/events requests: a batch of events
// pushed by a peer node. Duplicate delivery is safe; already-applied events
// simply do not change state.
func (h *Handlers) ReceiveEvents(w http.ResponseWriter, r *http.Request) {
	var batch transport.EventBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.writeError(w, r, syncerrors.InvalidArgument("malformed event batch", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	merged, err := h.manager.ApplyRemoteEvents(ctx, batch.Events)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"received": len(batch.Events),
		"synced":   merged,
	})
}

// ExportEvents handles GET /v1/sync/events requests: a peer pulling local
// events newer than its watermark (since, RFC3339Nano; absent means all).
func (h *Handlers) ExportEvents(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, r, syncerrors.InvalidArgument("since must be RFC3339", err))
			return
		}
		since = parsed
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	events, err := h.engine.LocalChangesSince(ctx, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// SyncStatus handles GET /v1/sync/status requests.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status, err := h.engine.GetSyncStatus(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": status,
	})
}

// TriggerSync handles POST /v1/sync/trigger requests: an immediate round
// with every remote, outside the periodic schedule.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	submitted := 0
	if h.scheduler != nil {
		submitted = h.scheduler.TriggerNow()
	}
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"rounds_submitted": submitted,
	})
}

// ResolveConflicts handles POST /v1/sync/resolve/{entity_id} requests.
func (h *Handlers) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.engine.ResolveConflicts(ctx, entityID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityID,
		"resolved":  true,
	})
}

// PendingEntities handles GET /v1/sync/pending/{node_id} requests: entity
// ids with local changes the given remote has not seen yet.
func (h *Handlers) PendingEntities(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	entities, err := h.engine.PendingEntities(ctx, nodeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entities == nil {
		entities = []string{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"remote_node_id": nodeID,
		"entities":       entities,
	})
}

// CreateEntity handles POST /v1/entities/{entity_id} requests.
func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	var req entityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, syncerrors.InvalidArgument("malformed entity payload", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.manager.CreateEntity(ctx, entityID, req.Data); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"entity_id": entityID,
	})
}

// UpdateEntity handles PUT /v1/entities/{entity_id} requests.
func (h *Handlers) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	var req entityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, syncerrors.InvalidArgument("malformed entity payload", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.manager.UpdateEntity(ctx, entityID, req.Data); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityID,
	})
}

// DeleteEntity handles DELETE /v1/entities/{entity_id} requests.
func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.manager.DeleteEntity(ctx, entityID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityID,
		"deleted":   true,
	})
}

// GetEntity handles GET /v1/entities/{entity_id} requests. Tombstoned
// entities read as not found.
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	state, found, err := h.manager.GetEntityState(ctx, entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		h.writeError(w, r, syncerrors.EntityNotFound(entityID))
		return
	}

	h.writeJSON(w, http.StatusOK, entityResponse{
		EntityID: entityID,
		State:    state,
	})
}

// RebuildEntity handles POST /v1/entities/{entity_id}/rebuild requests:
// replay the entity's full event history and refresh the cached state.
func (h *Handlers) RebuildEntity(w http.ResponseWriter, r *http.Request) {
	entityID := mux.Vars(r)["entity_id"]

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	register, found, err := h.manager.RebuildStateFromEvents(ctx, entityID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !found {
		h.writeError(w, r, syncerrors.EntityNotFound(entityID))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id":    entityID,
		"state":        register.Val,
		"vector_clock": register.Clock,
	})
}

// Stats handles GET /v1/stats requests.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.GetStatistics())
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": h.manager.NodeID(),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := syncerrors.ErrCodeInternal
	message := err.Error()
	var details map[string]interface{}

	var syncErr *syncerrors.SyncError
	if errors.As(err, &syncErr) {
		status = syncErr.ToHTTPStatus()
		code = syncErr.Code
		message = syncErr.Message
		details = syncErr.Details
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	h.writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
