package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/redislock"
	"go.uber.org/zap"
)

// Sweeper releases holds whose deadline has passed.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// ExpiryWorker periodically returns expired holds to their accounts.
type ExpiryWorker struct {
	sweeper   Sweeper
	locker    *redislock.Locker
	interval  time.Duration
	batchSize int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewExpiryWorker(sweeper Sweeper, locker *redislock.Locker) *ExpiryWorker {
	return &ExpiryWorker{
		sweeper:   sweeper,
		locker:    locker,
		interval:  time.Minute,
		batchSize: 100,
		stopCh:    make(chan struct{}),
	}
}

func (w *ExpiryWorker) WithInterval(interval time.Duration) *ExpiryWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *ExpiryWorker) WithBatchSize(size int) *ExpiryWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and sweeps at the configured interval.
func (w *ExpiryWorker) Start(ctx context.Context) {
	zap.L().Info("expiry worker starting", zap.Duration("interval", w.interval), zap.Int("batch_size", w.batchSize))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("expiry worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("expiry worker stop signal received")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *ExpiryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ExpiryWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce performs a single sweep, skipping it when another instance holds the lock.
func (w *ExpiryWorker) RunOnce(ctx context.Context) {
	acquired, err := w.locker.TryRun(ctx, "expiry-sweep", func(ctx context.Context) error {
		n, err := w.sweeper.SweepExpired(ctx, w.batchSize)
		if n > 0 {
			zap.L().Info("expiry sweep released holds", zap.Int("expired", n))
		}
		return err
	})
	switch {
	case err != nil:
		observability.IncrementWorkerRun("expiry", "failed")
		zap.L().Error("expiry sweep failed", zap.Error(err))
	case !acquired:
		observability.IncrementWorkerRun("expiry", "skipped")
	default:
		observability.IncrementWorkerRun("expiry", "success")
	}
}
