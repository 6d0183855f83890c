package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/redislock"
	"github.com/ayo6706/token-ledger/internal/repository/memory"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) SweepExpired(context.Context, int) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

type countingReconciler struct {
	calls atomic.Int32
	full  atomic.Int32
	err   error
}

func (r *countingReconciler) Run(context.Context) (service.ReconciliationReport, error) {
	r.calls.Add(1)
	return service.ReconciliationReport{AccountsChecked: 3}, r.err
}

func (r *countingReconciler) RunFull(context.Context) (service.ReconciliationReport, error) {
	r.full.Add(1)
	return service.ReconciliationReport{Full: true, AccountsChecked: 3}, r.err
}

type stubProcessor struct {
	settled int
	err     error
	batches []int
}

func (p *stubProcessor) ProcessPayouts(_ context.Context, batchSize int) (int, error) {
	p.batches = append(p.batches, batchSize)
	return p.settled, p.err
}

func newLocker(t *testing.T) *redislock.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redislock.New(client, 10*time.Second)
}

func TestExpiryWorkerReleasesExpiredHolds(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	ledger := service.NewLedger(memory.NewStore(500*time.Millisecond), service.WithClock(clock), service.WithRetry(3, time.Millisecond))
	sys, err := ledger.EnsureSystemAccounts(ctx, "TOKEN", 1_000)
	require.NoError(t, err)
	fan, err := ledger.GetOrCreateAccount(ctx, uuid.New(), domain.AccountTypeUser, "TOKEN")
	require.NoError(t, err)
	_, err = ledger.Transfer(ctx, service.TransferRequest{
		FromAccountID: sys[domain.AccountTypeTreasury].ID,
		ToAccountID:   fan.ID,
		Amount:        100,
		RefType:       domain.RefTypePurchase,
		RefID:         "evt-1",
	})
	require.NoError(t, err)

	held, err := ledger.Hold(ctx, service.HoldRequest{
		AccountID: fan.ID,
		Amount:    40,
		RefType:   domain.RefTypeSessionCharge,
		RefID:     "session-1",
		ExpiresAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	w := NewExpiryWorker(ledger, newLocker(t))
	w.RunOnce(ctx)
	p, err := ledger.GetPendingTransaction(ctx, held.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStatusPending, p.Status, "live hold untouched")

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	w.RunOnce(ctx)
	p, err = ledger.GetPendingTransaction(ctx, held.Pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStatusExpired, p.Status)

	acct, err := ledger.GetAccount(ctx, fan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Balance{Total: 100, Available: 100, Pending: 0}, acct.Balance())
}

func TestExpiryWorkerSkipsWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	locker := newLocker(t)
	sweeper := &countingSweeper{}
	w := NewExpiryWorker(sweeper, locker)

	_, err := locker.TryRun(ctx, "expiry-sweep", func(ctx context.Context) error {
		w.RunOnce(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), sweeper.calls.Load())

	w.RunOnce(ctx)
	assert.Equal(t, int32(1), sweeper.calls.Load())
}

func TestExpiryWorkerSurvivesSweepErrors(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("db down")}
	w := NewExpiryWorker(sweeper, nil)

	w.RunOnce(context.Background())
	w.RunOnce(context.Background())
	assert.Equal(t, int32(2), sweeper.calls.Load())
}

func TestReconciliationWorkerRunsAtStartupAndStops(t *testing.T) {
	rec := &countingReconciler{}
	w := NewReconciliationWorker(rec, newLocker(t)).WithInterval(10 * time.Millisecond)

	stop := w.Run(context.Background())
	require.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	stop()
	stop()
}

func TestReconciliationWorkerSchedulesFullRuns(t *testing.T) {
	rec := &countingReconciler{}
	w := NewReconciliationWorker(rec, nil).WithFullEvery(3)

	for i := 0; i < 6; i++ {
		w.RunOnce(context.Background())
	}
	assert.Equal(t, int32(2), rec.full.Load())
	assert.Equal(t, int32(4), rec.calls.Load())
}

func TestReconciliationWorkerKeepsRunningAfterDrift(t *testing.T) {
	rec := &countingReconciler{err: &domain.DriftError{Accounts: []uuid.UUID{uuid.New()}}}
	w := NewReconciliationWorker(rec, nil)

	w.RunOnce(context.Background())
	w.RunOnce(context.Background())
	assert.Equal(t, int32(2), rec.calls.Load())
	assert.Zero(t, rec.full.Load())
}

func TestPayoutWorkerProcessOnce(t *testing.T) {
	proc := &stubProcessor{settled: 2}
	w := NewPayoutWorker(proc).WithBatchSize(25)

	require.NoError(t, w.ProcessOnce(context.Background()))
	assert.Equal(t, []int{25}, proc.batches)

	proc.err = errors.New("list failed")
	require.Error(t, w.ProcessOnce(context.Background()))
}

func TestPayoutWorkerStopsOnContextCancel(t *testing.T) {
	w := NewPayoutWorker(&stubProcessor{}).WithPollInterval(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
