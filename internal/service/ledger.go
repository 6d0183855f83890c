package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/idempotency"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const (
	defaultHoldTTL      = 72 * time.Hour
	defaultMaxAttempts  = 5
	defaultRetryInitial = 20 * time.Millisecond
)

// Ledger is the single entry point for every balance mutation. Callers are assumed to be
// authorized; access control lives in the API layer.
type Ledger struct {
	store        repository.Store
	audit        *AuditService
	cache        *idempotency.Store
	now          func() time.Time
	holdTTL      time.Duration
	maxAttempts  uint
	retryInitial time.Duration
}

type Option func(*Ledger)

// WithIdempotencyCache serves transfer replays from a Redis result cache before hitting the database.
func WithIdempotencyCache(cache *idempotency.Store) Option {
	return func(l *Ledger) { l.cache = cache }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithHoldTTL sets the default lifetime of a hold when the caller gives no expiry.
func WithHoldTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.holdTTL = ttl
		}
	}
}

// WithRetry bounds how often a transaction is retried after a lock or serialization conflict.
func WithRetry(maxAttempts uint, initial time.Duration) Option {
	return func(l *Ledger) {
		if maxAttempts > 0 {
			l.maxAttempts = maxAttempts
		}
		if initial > 0 {
			l.retryInitial = initial
		}
	}
}

func NewLedger(store repository.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:        store,
		audit:        NewAuditService(),
		now:          func() time.Time { return time.Now().UTC() },
		holdTTL:      defaultHoldTTL,
		maxAttempts:  defaultMaxAttempts,
		retryInitial: defaultRetryInitial,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying store for read-side collaborators such as reconciliation.
func (l *Ledger) Store() repository.Store {
	return l.store
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or the attempt
// budget is spent. Exhausted conflicts surface as domain.ErrConflict.
func withRetry[T any](ctx context.Context, l *Ledger, operation string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retryInitial
	b.MaxInterval = 50 * l.retryInitial

	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		if attempt > 1 {
			observability.IncrementTxRetry(operation)
		}
		v, err := fn()
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(l.maxAttempts))

	if err != nil && errors.Is(err, repository.ErrConflict) {
		return res, fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrConflict, operation, attempt, err)
	}
	return res, err
}

// lockAccounts takes exclusive locks on the given accounts in ascending id order.
func lockAccounts(ctx context.Context, q repository.Querier, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	locked := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range domain.LockOrder(ids...) {
		a, err := q.LockAccount(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
			}
			return nil, fmt.Errorf("lock account %s: %w", id, err)
		}
		acct := a
		locked[id] = &acct
	}
	return locked, nil
}

// checkTradable rejects accounts that are inactive or hold a different unit.
func checkTradable(accounts map[uuid.UUID]*domain.Account) error {
	unit := ""
	for id, a := range accounts {
		if !a.Active {
			return fmt.Errorf("%w: %s", domain.ErrAccountInactive, id)
		}
		if unit == "" {
			unit = a.Unit
			continue
		}
		if a.Unit != unit {
			return fmt.Errorf("%w: %s and %s", domain.ErrUnitMismatch, unit, a.Unit)
		}
	}
	return nil
}

func notFoundAs(err error, target error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return target
	}
	return err
}
