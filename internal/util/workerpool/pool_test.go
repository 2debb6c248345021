package workerpool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Chundyy/CRDT-SSS/internal/util/workerpool"
)

func newPool(t *testing.T, workers, queue int) *workerpool.WorkerPool {
	t.Helper()
	return workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "test",
		MaxWorkers: workers,
		QueueSize:  queue,
		Logger:     zap.NewNop(),
	})
}

func TestWorkerPool_ExecutesTasks(t *testing.T) {
	pool := newPool(t, 2, 16)

	var executed int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := pool.TrySubmit(workerpool.Task{
			ID:      "task",
			Context: context.Background(),
			Fn: func(ctx context.Context) error {
				defer wg.Done()
				atomic.AddInt64(&executed, 1)
				return nil
			},
		})
		require.True(t, ok)
	}

	wg.Wait()
	pool.Stop()
	assert.Equal(t, int64(10), atomic.LoadInt64(&executed))
}

func TestWorkerPool_RejectsWhenStopped(t *testing.T) {
	pool := newPool(t, 1, 4)
	pool.Stop()

	ok := pool.TrySubmit(workerpool.Task{
		ID:      "late",
		Context: context.Background(),
		Fn:      func(ctx context.Context) error { return nil },
	})
	assert.False(t, ok)
}

func TestWorkerPool_RecoverFromPanic(t *testing.T) {
	pool := newPool(t, 1, 4)

	done := make(chan struct{})
	ok := pool.TrySubmit(workerpool.Task{
		ID:      "panics",
		Context: context.Background(),
		Fn: func(ctx context.Context) error {
			defer close(done)
			panic("boom")
		},
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task never ran")
	}

	// Pool keeps working after a panic.
	ran := make(chan struct{})
	ok = pool.TrySubmit(workerpool.Task{
		ID:      "after",
		Context: context.Background(),
		Fn: func(ctx context.Context) error {
			close(ran)
			return nil
		},
	})
	require.True(t, ok)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task after panic never ran")
	}
	pool.Stop()
}
