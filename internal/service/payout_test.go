package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/gateway"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	mu    sync.Mutex
	err   error
	ready bool
	sent  []string
}

func (g *stubGateway) SendPayout(_ context.Context, destination string, _ int64, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.sent = append(g.sent, destination)
	return "REF-1", nil
}

func (g *stubGateway) Ready() bool { return g.ready }

func TestPayoutLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1000)
	gw := &stubGateway{ready: true}
	svc := NewPayoutService(f.ledger, gw)

	resp, err := svc.RequestPayout(ctx, PayoutRequest{AccountID: creator.ID, Amount: 400, Destination: "bank:acct-9", IdempotencyKey: "cashout-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStatusPending, resp.Status)
	assert.Equal(t, domain.Balance{Total: 1000, Available: 600, Pending: 400}, f.balance(t, creator.ID))

	replay, err := svc.RequestPayout(ctx, PayoutRequest{AccountID: creator.ID, Amount: 400, Destination: "bank:acct-9", IdempotencyKey: "cashout-1"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, resp.PayoutID, replay.PayoutID)

	settled, err := svc.ProcessPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, []string{"bank:acct-9"}, gw.sent)

	p, err := f.ledger.GetPendingTransaction(ctx, resp.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStatusCompleted, p.Status)
	assert.Equal(t, domain.RefTypeWithdrawal, p.RefType)
	assert.Equal(t, domain.Balance{Total: 600, Available: 600}, f.balance(t, creator.ID))
	assert.Equal(t, int64(400), f.balance(t, f.sys[domain.AccountTypePayouts].ID).Total)

	settled, err = svc.ProcessPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, settled)
	assert.Len(t, gw.sent, 1)
}

func TestPayoutGatewayFailureReleasesFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1000)
	svc := NewPayoutService(f.ledger, &stubGateway{ready: true, err: errors.New("rail down")})

	resp, err := svc.RequestPayout(ctx, PayoutRequest{AccountID: creator.ID, Amount: 250, Destination: "bank:x", IdempotencyKey: "cashout-2"})
	require.NoError(t, err)

	_, err = svc.ProcessPayouts(ctx, 10)
	require.NoError(t, err)

	p, err := f.ledger.GetPendingTransaction(ctx, resp.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStatusFailed, p.Status)
	assert.Contains(t, p.Reason, "rail down")
	assert.Equal(t, domain.Balance{Total: 1000, Available: 1000}, f.balance(t, creator.ID))
}

func TestPayoutDeferredWhileGatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1000)
	gw := &stubGateway{ready: false}
	svc := NewPayoutService(f.ledger, gw)

	resp, err := svc.RequestPayout(ctx, PayoutRequest{AccountID: creator.ID, Amount: 100, Destination: "bank:y", IdempotencyKey: "cashout-3"})
	require.NoError(t, err)

	settled, err := svc.ProcessPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, settled)

	p, err := f.ledger.GetPendingTransaction(ctx, resp.PayoutID)
	require.NoError(t, err)
	assert.Equal(t, domain.PendingStatusPending, p.Status)
	assert.Empty(t, gw.sent)
}

func TestRequestPayoutValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 100)
	svc := NewPayoutService(f.ledger, &stubGateway{ready: true})

	_, err := svc.RequestPayout(ctx, PayoutRequest{AccountID: creator.ID, Amount: 10, IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.RequestPayout(ctx, PayoutRequest{AccountID: creator.ID, Amount: 500, Destination: "bank:z", IdempotencyKey: "k"})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	_, err = svc.RequestPayout(ctx, PayoutRequest{AccountID: creator.ID, Amount: 0, Destination: "bank:z", IdempotencyKey: "k2"})
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestPayoutRefusedByOpenBreakerStaysQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator := f.user(t, 1000)
	rail := &stubGateway{ready: true, err: errors.New("rail down")}
	breaker := gateway.NewBreakerGateway(rail, gateway.BreakerSettings{Name: "test-refused", FailureThreshold: 1, Timeout: time.Minute})
	// Hides Ready so the breaker opens between the batch's readiness check and the next call.
	svc := NewPayoutService(f.ledger, struct{ gateway.Gateway }{breaker})

	var ids []uuid.UUID
	for _, key := range []string{"cashout-a", "cashout-b"} {
		resp, err := svc.RequestPayout(ctx, PayoutRequest{AccountID: creator.ID, Amount: 100, Destination: "bank:" + key, IdempotencyKey: key})
		require.NoError(t, err)
		ids = append(ids, resp.PayoutID)
	}

	settled, err := svc.ProcessPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled, "the failed call is settled by releasing it")

	statuses := map[string]int{}
	for _, id := range ids {
		p, err := f.ledger.GetPendingTransaction(ctx, id)
		require.NoError(t, err)
		statuses[p.Status]++
	}
	assert.Equal(t, map[string]int{domain.PendingStatusFailed: 1, domain.PendingStatusPending: 1}, statuses)
	assert.Equal(t, domain.Balance{Total: 1000, Available: 900, Pending: 100}, f.balance(t, creator.ID),
		"the refused payout keeps its funds held")

	rail.mu.Lock()
	rail.err = nil
	rail.mu.Unlock()
	_, err = svc.ProcessPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rail.sent, "open breaker still refuses until its timeout passes")
	assert.Equal(t, domain.Balance{Total: 1000, Available: 900, Pending: 100}, f.balance(t, creator.ID))
}

func TestUnclaimReturnsProcessingToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fan := f.user(t, 100)
	creator := f.user(t, 0)

	held, err := f.ledger.Hold(ctx, escrowHold(fan, creator.ID, 30, "u-1"))
	require.NoError(t, err)

	res, err := f.ledger.Unclaim(ctx, held.Pending.ID, "not sent")
	require.NoError(t, err)
	assert.False(t, res.Applied, "only processing transactions are requeued")

	claim, err := f.ledger.MarkProcessing(ctx, held.Pending.ID)
	require.NoError(t, err)
	require.True(t, claim.Applied)

	res, err = f.ledger.Unclaim(ctx, held.Pending.ID, "not sent")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.PendingStatusPending, res.Pending.Status)
	assert.Equal(t, domain.Balance{Total: 100, Available: 70, Pending: 30}, f.balance(t, fan.ID))

	again, err := f.ledger.MarkProcessing(ctx, held.Pending.ID)
	require.NoError(t, err)
	assert.True(t, again.Applied, "a requeued transaction can be claimed again")
}
