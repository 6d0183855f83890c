package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccount(owner uuid.UUID) *domain.Account {
	return &domain.Account{
		ID:      domain.NewID(),
		OwnerID: owner,
		Type:    domain.AccountTypeUser,
		Unit:    "TOKEN",
		Active:  true,
	}
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()
	acct := newAccount(uuid.New())

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(q repository.Querier) error {
		require.NoError(t, q.CreateAccount(ctx, acct))
		got, err := q.GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, acct.ID, got.ID)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Queries().GetAccount(ctx, acct.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDuplicateAccountKey(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()
	owner := uuid.New()

	require.NoError(t, s.Queries().CreateAccount(ctx, newAccount(owner)))
	err := s.Queries().CreateAccount(ctx, newAccount(owner))
	require.ErrorIs(t, err, repository.ErrDuplicateKey)
}

func TestLockTimeoutSurfacesConflict(t *testing.T) {
	s := NewStore(50 * time.Millisecond)
	ctx := context.Background()
	acct := newAccount(uuid.New())
	require.NoError(t, s.Queries().CreateAccount(ctx, acct))

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.RunInTx(ctx, func(q repository.Querier) error {
			_, err := q.LockAccount(ctx, acct.ID)
			close(locked)
			<-done
			return err
		})
	}()
	<-locked

	err := s.RunInTx(ctx, func(q repository.Querier) error {
		_, err := q.LockAccount(ctx, acct.ID)
		return err
	})
	close(done)
	require.ErrorIs(t, err, repository.ErrConflict)
}

func TestLocksReleasedAfterCommit(t *testing.T) {
	s := NewStore(50 * time.Millisecond)
	ctx := context.Background()
	acct := newAccount(uuid.New())
	require.NoError(t, s.Queries().CreateAccount(ctx, acct))

	for i := 0; i < 3; i++ {
		err := s.RunInTx(ctx, func(q repository.Querier) error {
			a, err := q.LockAccount(ctx, acct.ID)
			if err != nil {
				return err
			}
			b := a.Balance()
			b.Total++
			b.Available++
			return q.UpdateAccountBalances(ctx, acct.ID, b)
		})
		require.NoError(t, err)
	}

	got, err := s.Queries().GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalBalance)
}

func TestJournalIdempotencyKeyIsUnique(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()

	j1 := &domain.Journal{ID: domain.NewID(), RefType: domain.RefTypeTip, RefID: "t1", IdempotencyKey: "k1"}
	require.NoError(t, s.Queries().InsertJournal(ctx, j1))

	j2 := &domain.Journal{ID: domain.NewID(), RefType: domain.RefTypeTip, RefID: "t1", IdempotencyKey: "k1"}
	require.ErrorIs(t, s.Queries().InsertJournal(ctx, j2), repository.ErrDuplicateKey)

	got, err := s.Queries().GetJournalByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, j1.ID, got.ID)
}

func TestEntrySumsAndSequence(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()
	a, b := newAccount(uuid.New()), newAccount(uuid.New())
	require.NoError(t, s.Queries().CreateAccount(ctx, a))
	require.NoError(t, s.Queries().CreateAccount(ctx, b))

	j := &domain.Journal{ID: domain.NewID(), RefType: domain.RefTypeTransfer, RefID: "r"}
	require.NoError(t, s.Queries().InsertJournal(ctx, j))
	e1 := &domain.Entry{ID: domain.NewID(), JournalID: j.ID, AccountID: a.ID, Amount: -10, Kind: domain.EntryKindCredit}
	e2 := &domain.Entry{ID: domain.NewID(), JournalID: j.ID, AccountID: b.ID, Amount: 10, Kind: domain.EntryKindDebit}
	require.NoError(t, s.Queries().InsertEntry(ctx, e1))
	require.NoError(t, s.Queries().InsertEntry(ctx, e2))
	assert.Greater(t, e2.Seq, e1.Seq)

	dup := &domain.Entry{ID: domain.NewID(), JournalID: j.ID, AccountID: a.ID, Amount: -1, Kind: domain.EntryKindCredit}
	require.ErrorIs(t, s.Queries().InsertEntry(ctx, dup), repository.ErrDuplicateKey)

	sum, err := s.Queries().SumEntriesSince(ctx, b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum.Total)
	assert.Equal(t, int64(1), sum.Count)
	assert.Equal(t, e2.Seq, sum.LastSeq)

	sum, err = s.Queries().SumEntriesSince(ctx, b.ID, e2.Seq)
	require.NoError(t, err)
	assert.Zero(t, sum.Count)

	byUnit, err := s.Queries().SumEntriesByUnit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), byUnit["TOKEN"])

	loaded, err := s.Queries().GetJournal(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Entries, 2)
}

func TestSnapshotUpsertKeepsOnePerDay(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()
	accountID := uuid.New()
	day := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)

	first := &domain.LedgerSnapshot{ID: domain.NewID(), AccountID: accountID, SnapshotDate: day, ComputedBalance: 10}
	require.NoError(t, s.Queries().UpsertSnapshot(ctx, first))
	second := &domain.LedgerSnapshot{ID: domain.NewID(), AccountID: accountID, SnapshotDate: day.Add(time.Hour), ComputedBalance: 20}
	require.NoError(t, s.Queries().UpsertSnapshot(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	snaps := s.Snapshots(accountID)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(20), snaps[0].ComputedBalance)

	latest, err := s.Queries().GetLatestSnapshot(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotDate(day), latest.SnapshotDate)
}

func TestListExpiredPending(t *testing.T) {
	s := NewStore(time.Second)
	ctx := context.Background()
	acct := newAccount(uuid.New())
	require.NoError(t, s.Queries().CreateAccount(ctx, acct))

	at := time.Now().UTC()
	expired := &domain.PendingTransaction{ID: domain.NewID(), IdempotencyKey: "a", SourceAccountID: acct.ID,
		Amount: 1, Status: domain.PendingStatusPending, ExpiresAt: at.Add(-time.Minute)}
	live := &domain.PendingTransaction{ID: domain.NewID(), IdempotencyKey: "b", SourceAccountID: acct.ID,
		Amount: 1, Status: domain.PendingStatusPending, ExpiresAt: at.Add(time.Hour)}
	require.NoError(t, s.Queries().InsertPendingTransaction(ctx, expired))
	require.NoError(t, s.Queries().InsertPendingTransaction(ctx, live))

	ids, err := s.Queries().ListExpiredPending(ctx, at, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{expired.ID}, ids)
}
