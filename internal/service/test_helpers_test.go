package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/repository/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testUnit   = "TOKEN"
	testSupply = int64(1_000_000)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *memory.Store
	ledger *Ledger
	clock  *fakeClock
	sys    SystemAccounts
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewStore(500 * time.Millisecond)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now), WithRetry(3, time.Millisecond)}, opts...)
	ledger := NewLedger(store, opts...)

	sys, err := ledger.EnsureSystemAccounts(context.Background(), testUnit, testSupply)
	require.NoError(t, err)
	return &fixture{store: store, ledger: ledger, clock: clock, sys: sys}
}

// user opens a user account and funds it from the treasury as a purchase.
func (f *fixture) user(t *testing.T, funds int64) domain.Account {
	t.Helper()
	acct, err := f.ledger.GetOrCreateAccount(context.Background(), uuid.New(), domain.AccountTypeUser, testUnit)
	require.NoError(t, err)
	if funds > 0 {
		f.fund(t, acct.ID, funds)
	}
	return acct
}

func (f *fixture) fund(t *testing.T, accountID uuid.UUID, amount int64) {
	t.Helper()
	_, err := f.ledger.Transfer(context.Background(), TransferRequest{
		FromAccountID: f.sys[domain.AccountTypeTreasury].ID,
		ToAccountID:   accountID,
		Amount:        amount,
		RefType:       domain.RefTypePurchase,
		RefID:         uuid.NewString(),
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) domain.Balance {
	t.Helper()
	acct, err := f.ledger.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance()
}

// totalSupply sums the total balance of every account, which must always equal the
// treasury's opening supply.
func (f *fixture) totalSupply(t *testing.T) int64 {
	t.Helper()
	accounts, err := f.store.Queries().ListAccounts(context.Background(), uuid.Nil, 0)
	require.NoError(t, err)
	var sum int64
	for _, a := range accounts {
		sum += a.TotalBalance
	}
	return sum
}

func (f *fixture) auditActions() map[string]int {
	out := make(map[string]int)
	for _, rec := range f.store.AuditRecords() {
		out[rec.Action]++
	}
	return out
}
