// Package memory is an in-process implementation of repository.Store. Transactions stage
// their writes and publish them atomically on commit; row locks are held until the
// transaction ends and honor context cancellation and the configured lock timeout.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
)

type snapshotKey struct {
	accountID uuid.UUID
	date      time.Time
}

type Store struct {
	mu          sync.RWMutex
	accounts    map[uuid.UUID]domain.Account
	accountKeys map[string]uuid.UUID
	journals    map[uuid.UUID]domain.Journal
	journalKeys map[string]uuid.UUID
	entries     []domain.Entry
	pending     map[uuid.UUID]domain.PendingTransaction
	pendingKeys map[string]uuid.UUID
	audit       []domain.AuditRecord
	snapshots   map[snapshotKey]domain.LedgerSnapshot

	seq         atomic.Int64
	locks       rowLocks
	lockTimeout time.Duration
}

var _ repository.Store = (*Store)(nil)

// NewStore returns an empty store. A zero lockTimeout waits for locks until ctx is done.
func NewStore(lockTimeout time.Duration) *Store {
	return &Store{
		accounts:    make(map[uuid.UUID]domain.Account),
		accountKeys: make(map[string]uuid.UUID),
		journals:    make(map[uuid.UUID]domain.Journal),
		journalKeys: make(map[string]uuid.UUID),
		pending:     make(map[uuid.UUID]domain.PendingTransaction),
		pendingKeys: make(map[string]uuid.UUID),
		snapshots:   make(map[snapshotKey]domain.LedgerSnapshot),
		locks:       rowLocks{rows: make(map[string]chan struct{})},
		lockTimeout: lockTimeout,
	}
}

// Queries returns a query set whose writes are published immediately.
func (s *Store) Queries() repository.Querier {
	return newTxn(s, true)
}

func (s *Store) RunInTx(ctx context.Context, fn func(q repository.Querier) error) error {
	t := newTxn(s, false)
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.commit()
	return nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// AuditRecords returns a copy of the committed audit log.
func (s *Store) AuditRecords() []domain.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.AuditRecord(nil), s.audit...)
}

// Snapshots returns all committed snapshots for an account ordered by date.
func (s *Store) Snapshots(accountID uuid.UUID) []domain.LedgerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LedgerSnapshot
	for k, snap := range s.snapshots {
		if k.accountID == accountID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SnapshotDate.Before(out[j].SnapshotDate) })
	return out
}

// OverwriteBalance replaces an account's balance fields without an entry. It exists to
// simulate corruption when exercising drift detection.
func (s *Store) OverwriteBalance(id uuid.UUID, b domain.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.SetBalance(b)
	s.accounts[id] = a
}

type rowLocks struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func (l *rowLocks) get(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.rows[key] = ch
	}
	return ch
}

func accountKey(ownerID uuid.UUID, accountType, unit string) string {
	return ownerID.String() + "|" + accountType + "|" + unit
}

func now() time.Time {
	return time.Now().UTC()
}
