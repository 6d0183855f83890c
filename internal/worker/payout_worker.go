package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/token-ledger/internal/observability"
	"go.uber.org/zap"
)

// PayoutProcessor settles queued payout holds against the payout rail.
type PayoutProcessor interface {
	ProcessPayouts(ctx context.Context, batchSize int) (int, error)
}

// PayoutWorker polls for pending payouts and settles them. Concurrent instances are safe:
// each payout is claimed under a row lock before the rail is called.
type PayoutWorker struct {
	processor    PayoutProcessor
	pollInterval time.Duration
	batchSize    int
	stopCh       chan struct{}
	stopOnce     sync.Once
}

func NewPayoutWorker(processor PayoutProcessor) *PayoutWorker {
	return &PayoutWorker{
		processor:    processor,
		pollInterval: 10 * time.Second,
		batchSize:    10,
		stopCh:       make(chan struct{}),
	}
}

func (w *PayoutWorker) WithPollInterval(interval time.Duration) *PayoutWorker {
	if interval > 0 {
		w.pollInterval = interval
	}
	return w
}

func (w *PayoutWorker) WithBatchSize(size int) *PayoutWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start runs in a loop until Stop is called or the context is canceled.
func (w *PayoutWorker) Start(ctx context.Context) {
	zap.L().Info("payout worker starting", zap.Duration("poll_interval", w.pollInterval), zap.Int("batch_size", w.batchSize))

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("payout worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("payout worker stop signal received")
			return
		case <-ticker.C:
			if err := w.ProcessOnce(ctx); err != nil {
				zap.L().Error("payout batch failed", zap.Error(err))
			}
		}
	}
}

func (w *PayoutWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// ProcessOnce processes a single batch immediately.
func (w *PayoutWorker) ProcessOnce(ctx context.Context) error {
	n, err := w.processor.ProcessPayouts(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("payout", "failed")
		return err
	}
	if n > 0 {
		zap.L().Info("payout batch settled", zap.Int("settled", n))
	}
	observability.IncrementWorkerRun("payout", "success")
	return nil
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *PayoutWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *PayoutWorker) String() string {
	return fmt.Sprintf("PayoutWorker(interval=%v, batch=%d)", w.pollInterval, w.batchSize)
}
