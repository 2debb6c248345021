package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Chundyy/CRDT-SSS/internal/config"
	"github.com/Chundyy/CRDT-SSS/internal/handler"
	"github.com/Chundyy/CRDT-SSS/internal/model"
	"github.com/Chundyy/CRDT-SSS/internal/server"
	"github.com/Chundyy/CRDT-SSS/internal/service"
	"github.com/Chundyy/CRDT-SSS/internal/store"
	"github.com/Chundyy/CRDT-SSS/internal/transport"
)

type noopTransport struct{}

func (noopTransport) SendEvents(ctx context.Context, node transport.RemoteNode, events []model.Event) error {
	return nil
}

func (noopTransport) FetchEvents(ctx context.Context, node transport.RemoteNode, since time.Time) ([]model.Event, error) {
	return nil, nil
}

func setupRouter(t *testing.T) (*mux.Router, *service.CRDTManager) {
	t.Helper()

	logger := zap.NewNop()
	eventStore, err := store.Open(filepath.Join(t.TempDir(), "events.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	manager := service.NewCRDTManager(
		&service.ManagerConfig{NodeID: "node-a"},
		eventStore,
		nil,
		logger,
	)
	engine := service.NewSyncEngine(manager, eventStore, noopTransport{}, nil, nil, logger)

	handlers := handler.NewHandlers(manager, engine, nil, logger, 5*time.Second)
	syncServer := server.NewSyncServer(&config.TransportConfig{
		Host:           "127.0.0.1",
		Port:           0,
		RequestTimeout: 5 * time.Second,
	}, handlers, logger)
	syncServer.SetupRoutes()

	return syncServer.Router(), manager
}

func doRequest(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_EntityLifecycle(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/v1/entities/doc-1",
		map[string]interface{}{"data": map[string]interface{}{"title": "hello"}})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/v1/entities/doc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		EntityID string                 `json:"entity_id"`
		State    map[string]interface{} `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "doc-1", got.EntityID)
	assert.Equal(t, "hello", got.State["title"])

	rec = doRequest(t, router, http.MethodPut, "/v1/entities/doc-1",
		map[string]interface{}{"data": map[string]interface{}{"title": "updated"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/v1/entities/doc-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/v1/entities/doc-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_CreateConflict(t *testing.T) {
	router, _ := setupRouter(t)

	payload := map[string]interface{}{"data": map[string]interface{}{"v": 1.0}}
	rec := doRequest(t, router, http.MethodPost, "/v1/entities/doc-1", payload)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/v1/entities/doc-1", payload)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errBody struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, 1002, errBody.Error.Code)
}

func TestHandlers_GetUnknownEntity(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/v1/entities/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_ReceiveEvents(t *testing.T) {
	router, manager := setupRouter(t)

	batch := transport.EventBatch{
		NodeID: "node-b",
		Events: []model.Event{{
			EventID:     uuid.NewString(),
			EntityID:    "doc-1",
			EventType:   model.EventTypeCreated,
			Data:        map[string]interface{}{"title": "remote"},
			Timestamp:   time.Now().UTC(),
			NodeID:      "node-b",
			VectorClock: model.VectorClock{"node-b": 1},
		}},
	}

	rec := doRequest(t, router, http.MethodPost, "/v1/sync/events", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Received int `json:"received"`
		Synced   int `json:"synced"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Received)
	assert.Equal(t, 1, resp.Synced)

	state, found, err := manager.GetEntityState(context.Background(), "doc-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "remote", state["title"])
}

func TestHandlers_ReceiveMalformedBatch(t *testing.T) {
	router, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sync/events", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_ExportEvents(t *testing.T) {
	router, manager := setupRouter(t)
	ctx := context.Background()

	require.NoError(t, manager.CreateEntity(ctx, "doc-1", map[string]interface{}{"v": 1.0}))

	rec := doRequest(t, router, http.MethodGet, "/v1/sync/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []model.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "doc-1", resp.Events[0].EntityID)

	// since filter excludes everything at or before the cursor.
	since := resp.Events[0].Timestamp.Format(time.RFC3339Nano)
	rec = doRequest(t, router, http.MethodGet, "/v1/sync/events?since="+since, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Events)
}

func TestHandlers_ExportEventsBadSince(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/v1/sync/events?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlers_ResolveConflicts(t *testing.T) {
	router, manager := setupRouter(t)

	require.NoError(t, manager.CreateEntity(context.Background(), "doc-1", map[string]interface{}{"v": 1.0}))

	rec := doRequest(t, router, http.MethodPost, "/v1/sync/resolve/doc-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/v1/sync/resolve/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_StatsAndHealth(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "node-a", stats.NodeID)

	rec = doRequest(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlers_SyncStatusEmpty(t *testing.T) {
	router, _ := setupRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Nodes map[string]json.RawMessage `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Nodes)
}
