package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/Chundyy/CRDT-SSS/internal/config"
	"github.com/Chundyy/CRDT-SSS/internal/handler"
	"github.com/Chundyy/CRDT-SSS/internal/metrics"
	"github.com/Chundyy/CRDT-SSS/internal/server"
	"github.com/Chundyy/CRDT-SSS/internal/service"
	"github.com/Chundyy/CRDT-SSS/internal/store"
	"github.com/Chundyy/CRDT-SSS/internal/transport"
	"github.com/Chundyy/CRDT-SSS/internal/util/workerpool"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	nodeID := cfg.ResolveNodeID()
	logger = logger.With(zap.String("node_id", nodeID))

	logger.Info("Configuration loaded",
		zap.String("data_dir", cfg.Node.DataDir),
		zap.String("storage_path", cfg.Storage.Path),
		zap.Int("transport_port", cfg.Transport.Port),
		zap.Int("remotes", len(cfg.Remotes)))

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(nodeID)
	}

	eventStore, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		logger.Fatal("Failed to open event store", zap.Error(err))
	}
	defer eventStore.Close()

	manager := service.NewCRDTManager(
		&service.ManagerConfig{
			NodeID:             nodeID,
			ClockSkewTolerance: cfg.Sync.ClockSkewTolerance,
		},
		eventStore,
		m,
		logger,
	)

	httpTransport := transport.NewHTTPTransport(nodeID, cfg.Transport.RequestTimeout, logger)

	engine := service.NewSyncEngine(manager, eventStore, httpTransport, cfg.Remotes, m, logger)

	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "sync",
		MaxWorkers: cfg.Sync.Workers,
		QueueSize:  cfg.Sync.QueueSize,
		Logger:     logger,
	})

	scheduler := service.NewSyncScheduler(
		&service.SchedulerConfig{
			Interval:   cfg.Sync.Interval,
			MaxRetries: cfg.Sync.MaxRetries,
		},
		engine,
		pool,
		logger,
	)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start sync scheduler", zap.Error(err))
	}

	// The sync endpoint peers reach us on, advertised over gossip.
	syncAddr := fmt.Sprintf("http://%s:%d", cfg.Transport.Host, cfg.Transport.Port)
	if cfg.Gossip.Enabled {
		gossipSvc, err := service.NewGossipService(
			&service.GossipConfig{
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			nodeID,
			syncAddr,
			engine,
			scheduler,
			m,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			logger.Info("Gossip service initialized",
				zap.Int("bind_port", cfg.Gossip.BindPort),
				zap.Strings("seed_nodes", cfg.Gossip.SeedNodes))
		}
	}

	handlers := handler.NewHandlers(manager, engine, scheduler, logger, cfg.Transport.RequestTimeout)
	syncServer := server.NewSyncServer(&cfg.Transport, handlers, logger)
	syncServer.SetupRoutes()

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{
				Port:    cfg.Metrics.Port,
				Path:    cfg.Metrics.Path,
				DataDir: cfg.Node.DataDir,
			},
			m,
			logger,
		)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	errChan := make(chan error, 1)
	go func() {
		if err := syncServer.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("Sync server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownTimeout)
	defer cancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("Sync scheduler shutdown failed", zap.Error(err))
	}
	if err := syncServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Sync server shutdown failed", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level

	return zapCfg.Build()
}
