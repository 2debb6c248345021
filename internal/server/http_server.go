// Package server provides the HTTP servers for the sync node.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Chundyy/CRDT-SSS/internal/config"
	"github.com/Chundyy/CRDT-SSS/internal/handler"
	"github.com/Chundyy/CRDT-SSS/internal/middleware"
)

// SyncServer is the HTTP server exposing the entity API and the peer sync
// endpoints.
type SyncServer struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   *handler.Handlers
	logger     *zap.Logger
	cfg        *config.TransportConfig
}

// NewSyncServer creates the sync HTTP server.
func NewSyncServer(cfg *config.TransportConfig, handlers *handler.Handlers, logger *zap.Logger) *SyncServer {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	return &SyncServer{
		router:     router,
		httpServer: httpServer,
		handlers:   handlers,
		logger:     logger,
		cfg:        cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *SyncServer) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}

	if s.cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimit.RequestsPerSecond,
			s.cfg.RateLimit.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health", s.handlers.Health).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Entity API
	v1.HandleFunc("/entities/{entity_id}", s.handlers.CreateEntity).Methods(http.MethodPost)
	v1.HandleFunc("/entities/{entity_id}", s.handlers.GetEntity).Methods(http.MethodGet)
	v1.HandleFunc("/entities/{entity_id}", s.handlers.UpdateEntity).Methods(http.MethodPut)
	v1.HandleFunc("/entities/{entity_id}", s.handlers.DeleteEntity).Methods(http.MethodDelete)
	v1.HandleFunc("/entities/{entity_id}/rebuild", s.handlers.RebuildEntity).Methods(http.MethodPost)

	// Peer sync API
	sync := v1.PathPrefix("/sync").Subrouter()
	sync.HandleFunc("/events", s.handlers.ReceiveEvents).Methods(http.MethodPost)
	sync.HandleFunc("/events", s.handlers.ExportEvents).Methods(http.MethodGet)
	sync.HandleFunc("/status", s.handlers.SyncStatus).Methods(http.MethodGet)
	sync.HandleFunc("/trigger", s.handlers.TriggerSync).Methods(http.MethodPost)
	sync.HandleFunc("/resolve/{entity_id}", s.handlers.ResolveConflicts).Methods(http.MethodPost)
	sync.HandleFunc("/pending/{node_id}", s.handlers.PendingEntities).Methods(http.MethodGet)

	v1.HandleFunc("/stats", s.handlers.Stats).Methods(http.MethodGet)
}

// Start starts the HTTP server.
func (s *SyncServer) Start() error {
	s.logger.Info("Starting sync HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start sync HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *SyncServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down sync HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the router for tests.
func (s *SyncServer) Router() *mux.Router {
	return s.router
}
