package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrConflict marks lock-wait timeouts, serialization failures and deadlocks.
	// The whole transaction can be retried.
	ErrConflict = errors.New("transaction conflict")
)

// EntrySum aggregates an account's entries after a given sequence number.
type EntrySum struct {
	Total       int64
	Count       int64
	LastSeq     int64
	LastEntryID *uuid.UUID
}

// Querier is the data access contract shared by the Postgres and in-memory stores.
type Querier interface {
	CreateAccount(ctx context.Context, a *domain.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error)
	GetAccountByOwner(ctx context.Context, ownerID uuid.UUID, accountType, unit string) (domain.Account, error)
	// LockAccount reads the account under an exclusive row lock held until the transaction ends.
	LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error)
	// LockAccountShared blocks writers until the transaction ends.
	LockAccountShared(ctx context.Context, id uuid.UUID) (domain.Account, error)
	UpdateAccountBalances(ctx context.Context, id uuid.UUID, b domain.Balance) error
	SetAccountActive(ctx context.Context, id uuid.UUID, active bool) error
	ListAccounts(ctx context.Context, afterID uuid.UUID, limit int) ([]domain.Account, error)

	InsertJournal(ctx context.Context, j *domain.Journal) error
	InsertEntry(ctx context.Context, e *domain.Entry) error
	GetJournal(ctx context.Context, id uuid.UUID) (domain.Journal, error)
	GetJournalByIdempotencyKey(ctx context.Context, key string) (domain.Journal, error)
	LockJournal(ctx context.Context, id uuid.UUID) (domain.Journal, error)
	MarkJournalReversed(ctx context.Context, id, reversedBy uuid.UUID) error
	ListEntriesByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Entry, error)
	SumEntriesSince(ctx context.Context, accountID uuid.UUID, afterSeq int64) (EntrySum, error)
	// SumEntriesByUnit returns the net of all entries grouped by the owning account's unit.
	SumEntriesByUnit(ctx context.Context) (map[string]int64, error)

	InsertPendingTransaction(ctx context.Context, p *domain.PendingTransaction) error
	GetPendingTransaction(ctx context.Context, id uuid.UUID) (domain.PendingTransaction, error)
	GetPendingTransactionByKey(ctx context.Context, key string) (domain.PendingTransaction, error)
	LockPendingTransaction(ctx context.Context, id uuid.UUID) (domain.PendingTransaction, error)
	UpdatePendingStatus(ctx context.Context, id uuid.UUID, status string, journalID *uuid.UUID, reason string) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ListPendingByType(ctx context.Context, holdType, status string, limit int) ([]domain.PendingTransaction, error)

	InsertAuditRecord(ctx context.Context, r *domain.AuditRecord) error

	GetLatestSnapshot(ctx context.Context, accountID uuid.UUID) (domain.LedgerSnapshot, error)
	UpsertSnapshot(ctx context.Context, s *domain.LedgerSnapshot) error
}

// Store provides a non-transactional query set and transaction scoping.
type Store interface {
	Queries() Querier
	RunInTx(ctx context.Context, fn func(q Querier) error) error
	Ping(ctx context.Context) error
}
