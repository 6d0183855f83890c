package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/redislock"
	"github.com/ayo6706/token-ledger/internal/service"
	"go.uber.org/zap"
)

// Reconciler checks stored balances against the entry history, either from the latest
// snapshot or from each account's opening balance.
type Reconciler interface {
	Run(ctx context.Context) (service.ReconciliationReport, error)
	RunFull(ctx context.Context) (service.ReconciliationReport, error)
}

// ReconciliationWorker runs scheduled reconciliation. Only one instance across the
// fleet runs a given cycle; the others skip it.
type ReconciliationWorker struct {
	svc       Reconciler
	locker    *redislock.Locker
	interval  time.Duration
	fullEvery int
	runs      int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewReconciliationWorker constructs a worker with a default daily interval and only
// incremental runs.
func NewReconciliationWorker(svc Reconciler, locker *redislock.Locker) *ReconciliationWorker {
	return &ReconciliationWorker{
		svc:      svc,
		locker:   locker,
		interval: 24 * time.Hour,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithFullEvery makes every nth run a full replay, the first run included. n <= 0 disables
// full runs.
func (w *ReconciliationWorker) WithFullEvery(n int) *ReconciliationWorker {
	w.fullEvery = max(n, 0)
	return w
}

// Start blocks and runs reconciliation once immediately, then at the configured interval.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting",
		zap.Duration("interval", w.interval),
		zap.Int("full_every", w.fullEvery))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("reconciliation worker stop signal received")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce performs one cycle. It is called from the worker goroutine only.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) {
	full := w.fullEvery > 0 && w.runs%w.fullEvery == 0
	w.runs++

	acquired, err := w.locker.TryRun(ctx, "reconciliation", func(ctx context.Context) error {
		run := w.svc.Run
		if full {
			run = w.svc.RunFull
		}
		report, err := run(ctx)
		zap.L().Info("reconciliation finished",
			zap.Bool("full", full),
			zap.Int("accounts_checked", report.AccountsChecked),
			zap.Int("drifted", len(report.Drifted)),
			zap.Int("unbalanced_units", len(report.UnbalancedUnits)))
		return err
	})
	switch {
	case errors.Is(err, domain.ErrDriftDetected):
		// The service already alerted per account; this only marks the run.
		observability.IncrementWorkerRun("reconciliation", "drift")
	case err != nil:
		observability.IncrementWorkerRun("reconciliation", "failed")
		zap.L().Error("reconciliation run failed", zap.Error(err))
	case !acquired:
		observability.IncrementWorkerRun("reconciliation", "skipped")
	default:
		observability.IncrementWorkerRun("reconciliation", "success")
	}
}
