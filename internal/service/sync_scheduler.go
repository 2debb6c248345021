package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Chundyy/CRDT-SSS/internal/transport"
	"github.com/Chundyy/CRDT-SSS/internal/util/workerpool"
)

// SyncScheduler drives periodic bidirectional sync rounds against every
// registered remote. Rounds run on the shared worker pool so a slow remote
// never blocks the others; failed rounds are retried with exponential
// backoff inside the same pool task.
type SyncScheduler struct {
	engine     *SyncEngine
	pool       *workerpool.WorkerPool
	cron       *cron.Cron
	logger     *zap.Logger
	interval   time.Duration
	maxRetries int

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// SchedulerConfig configures the periodic sync loop.
type SchedulerConfig struct {
	Interval   time.Duration
	MaxRetries int
}

func NewSyncScheduler(cfg *SchedulerConfig, engine *SyncEngine, pool *workerpool.WorkerPool, logger *zap.Logger) *SyncScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &SyncScheduler{
		engine:     engine,
		pool:       pool,
		cron:       cron.New(),
		logger:     logger,
		interval:   cfg.Interval,
		maxRetries: cfg.MaxRetries,
		entries:    make(map[string]cron.EntryID),
	}
}

// Start schedules a round for every currently registered remote and begins
// the cron loop. Remotes discovered later are added via WatchRemote.
func (s *SyncScheduler) Start() error {
	for _, remote := range s.engine.Remotes() {
		if err := s.WatchRemote(remote); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info("Sync scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("remotes", len(s.engine.Remotes())))
	return nil
}

// WatchRemote begins periodic sync with the given remote. Adding a remote
// that is already watched is a no-op.
func (s *SyncScheduler) WatchRemote(remote transport.RemoteNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[remote.NodeID]; ok {
		return nil
	}

	spec := fmt.Sprintf("@every %s", s.interval)
	entryID, err := s.cron.AddFunc(spec, func() {
		s.submitRound(remote)
	})
	if err != nil {
		return fmt.Errorf("add sync schedule for %s: %w", remote.NodeID, err)
	}
	s.entries[remote.NodeID] = entryID

	s.logger.Info("Remote scheduled for periodic sync",
		zap.String("remote_node_id", remote.NodeID),
		zap.String("schedule", spec))
	return nil
}

// UnwatchRemote stops periodic sync with the given remote.
func (s *SyncScheduler) UnwatchRemote(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[nodeID]
	if !ok {
		return
	}
	s.cron.Remove(entryID)
	delete(s.entries, nodeID)
	s.logger.Info("Remote unscheduled", zap.String("remote_node_id", nodeID))
}

// TriggerNow submits an immediate round for every registered remote,
// outside the cron cadence. Used by the manual sync endpoint.
func (s *SyncScheduler) TriggerNow() int {
	submitted := 0
	for _, remote := range s.engine.Remotes() {
		if s.submitRound(remote) {
			submitted++
		}
	}
	return submitted
}

// Stop halts the cron loop and waits for in-flight rounds to drain.
func (s *SyncScheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("Sync scheduler stop timed out waiting for cron")
		return ctx.Err()
	}
	s.pool.Stop()
	s.logger.Info("Sync scheduler stopped")
	return nil
}

func (s *SyncScheduler) submitRound(remote transport.RemoteNode) bool {
	task := workerpool.Task{
		ID:      fmt.Sprintf("sync-%s-%d", remote.NodeID, time.Now().UnixNano()),
		Context: context.Background(),
		Fn: func(ctx context.Context) error {
			return s.runRound(ctx, remote)
		},
	}

	if !s.pool.TrySubmit(task) {
		s.logger.Warn("Sync round dropped, worker pool saturated",
			zap.String("remote_node_id", remote.NodeID))
		return false
	}
	return true
}

// runRound executes one bidirectional round, retrying transport failures
// with exponential backoff. The watermark only moves on confirmed rounds,
// so a round abandoned after the retry budget is simply picked up whole by
// the next tick.
func (s *SyncScheduler) runRound(ctx context.Context, remote transport.RemoteNode) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.maxRetries)),
		ctx,
	)

	var result SyncResult
	operation := func() error {
		var err error
		result, err = s.engine.BidirectionalSync(ctx, remote)
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		s.logger.Warn("Sync round failed after retries",
			zap.String("remote_node_id", remote.NodeID),
			zap.Int("max_retries", s.maxRetries),
			zap.Error(err))
		return err
	}

	if result.Sent > 0 || result.Received > 0 {
		s.logger.Info("Scheduled sync round completed",
			zap.String("remote_node_id", remote.NodeID),
			zap.Int("sent", result.Sent),
			zap.Int("received", result.Received))
	}
	return nil
}
