package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HoldRequest reserves funds on an account until they are captured, released or expire.
type HoldRequest struct {
	AccountID uuid.UUID
	// DestinationAccountID is the default capture target. It may be supplied at capture instead.
	DestinationAccountID *uuid.UUID
	Amount               int64
	Type                 string
	RefType              string
	RefID                string
	// IdempotencyKey defaults to hold:<ref type>:<ref id>.
	IdempotencyKey string
	Reason         string
	ExpiresAt      time.Time
	Metadata       map[string]string
}

type HoldResult struct {
	Pending  domain.PendingTransaction
	Account  domain.Account
	Replayed bool
}

// ResolveResult reports the outcome of capture, release, claim or expiry.
// Applied is false when the call found the transaction already resolved.
type ResolveResult struct {
	Pending domain.PendingTransaction
	Journal *domain.Journal
	Applied bool
}

func (r *HoldRequest) normalize(now time.Time, ttl time.Duration) error {
	if r.Type == "" {
		r.Type = domain.HoldTypeEscrow
	}
	switch {
	case r.AccountID == uuid.Nil:
		return fmt.Errorf("%w: account id is required", domain.ErrInvalidRequest)
	case r.Amount <= 0:
		return domain.ErrInvalidAmount
	case !domain.ValidHoldType(r.Type):
		return fmt.Errorf("%w: unknown hold type %q", domain.ErrInvalidRequest, r.Type)
	case !domain.ValidRefType(r.RefType):
		return fmt.Errorf("%w: unknown ref type %q", domain.ErrInvalidRequest, r.RefType)
	case r.RefID == "":
		return fmt.Errorf("%w: ref id is required", domain.ErrInvalidRequest)
	case r.DestinationAccountID != nil && *r.DestinationAccountID == r.AccountID:
		return fmt.Errorf("%w: destination must differ from the held account", domain.ErrInvalidRequest)
	}
	if r.ExpiresAt.IsZero() {
		r.ExpiresAt = now.Add(ttl)
	}
	if !r.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiry must be in the future", domain.ErrInvalidRequest)
	}
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = fmt.Sprintf("%s%s:%s", domain.KeyPrefixHold, r.RefType, r.RefID)
	}
	return nil
}

// Hold moves Amount from available to pending and records a pending transaction.
// No journal is written until capture.
func (l *Ledger) Hold(ctx context.Context, req HoldRequest) (HoldResult, error) {
	if err := checkCallerKey(req.IdempotencyKey); err != nil {
		l.observe(ctx, "hold", err)
		return HoldResult{}, err
	}
	return l.hold(ctx, req)
}

func (l *Ledger) hold(ctx context.Context, req HoldRequest) (HoldResult, error) {
	now := l.now()
	if err := req.normalize(now, l.holdTTL); err != nil {
		l.observe(ctx, "hold", err)
		return HoldResult{}, err
	}

	if res, ok, err := l.replayHold(ctx, l.store.Queries(), req.IdempotencyKey); err != nil || ok {
		return res, err
	}

	res, err := withRetry(ctx, l, "hold", func() (HoldResult, error) {
		var out HoldResult
		err := l.store.RunInTx(ctx, func(q repository.Querier) error {
			accounts, err := lockAccounts(ctx, q, req.AccountID)
			if err != nil {
				return err
			}
			if replay, ok, err := l.replayHold(ctx, q, req.IdempotencyKey); err != nil || ok {
				out = replay
				return err
			}
			acct := accounts[req.AccountID]
			if !acct.Active {
				return fmt.Errorf("%w: %s", domain.ErrAccountInactive, acct.ID)
			}
			if req.DestinationAccountID != nil {
				dest, err := q.GetAccount(ctx, *req.DestinationAccountID)
				if err != nil {
					return notFoundAs(err, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, *req.DestinationAccountID))
				}
				if dest.Unit != acct.Unit {
					return fmt.Errorf("%w: %s and %s", domain.ErrUnitMismatch, acct.Unit, dest.Unit)
				}
			}
			if acct.AvailableBalance < req.Amount {
				return fmt.Errorf("%w: account %s has %d available, hold needs %d",
					domain.ErrInsufficientBalance, acct.ID, acct.AvailableBalance, req.Amount)
			}

			p := domain.PendingTransaction{
				ID:                   domain.NewID(),
				IdempotencyKey:       req.IdempotencyKey,
				Type:                 req.Type,
				RefType:              req.RefType,
				RefID:                req.RefID,
				Amount:               req.Amount,
				SourceAccountID:      acct.ID,
				DestinationAccountID: req.DestinationAccountID,
				Status:               domain.PendingStatusPending,
				ExpiresAt:            req.ExpiresAt,
				Reason:               req.Reason,
				Metadata:             req.Metadata,
			}
			if err := q.InsertPendingTransaction(ctx, &p); err != nil {
				return fmt.Errorf("insert pending transaction: %w", err)
			}
			pendingID := p.ID
			if err := l.adjustBalances(ctx, q, acct, domain.Balance{Available: -req.Amount, Pending: req.Amount}, domain.AuditRecord{
				Action:    domain.AuditActionHold,
				PendingID: &pendingID,
				Amount:    req.Amount,
				Metadata:  map[string]string{"type": req.Type, "ref_type": req.RefType, "ref_id": req.RefID},
			}); err != nil {
				return err
			}
			out = HoldResult{Pending: p, Account: *acct}
			return nil
		})
		return out, err
	})
	if err != nil && isDuplicate(err) {
		if replay, ok, rerr := l.replayHold(ctx, l.store.Queries(), req.IdempotencyKey); rerr == nil && ok {
			return replay, nil
		}
	}
	l.observe(ctx, "hold", err, zap.String("account_id", req.AccountID.String()), zap.String("idempotency_key", req.IdempotencyKey))
	if err != nil {
		return HoldResult{}, err
	}
	if !res.Replayed {
		zap.L().Info("funds held",
			zap.String("pending_id", res.Pending.ID.String()),
			zap.String("account_id", req.AccountID.String()),
			zap.Int64("amount", req.Amount),
			zap.String("type", req.Type),
			zap.Time("expires_at", req.ExpiresAt))
	}
	return res, nil
}

func (l *Ledger) replayHold(ctx context.Context, q repository.Querier, key string) (HoldResult, bool, error) {
	p, err := q.GetPendingTransactionByKey(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return HoldResult{}, false, nil
		}
		return HoldResult{}, false, fmt.Errorf("lookup hold idempotency key: %w", err)
	}
	acct, err := q.GetAccount(ctx, p.SourceAccountID)
	if err != nil {
		return HoldResult{}, false, fmt.Errorf("load held account: %w", err)
	}
	observability.IncrementIdempotentReplay("hold", "db")
	return HoldResult{Pending: p, Account: acct, Replayed: true}, true, nil
}

// Capture settles a hold into a journal that draws the reserved funds from the source's
// pending balance and credits the destination. A zero destination uses the one given at hold time.
// Capturing a completed transaction returns its journal without applying anything.
func (l *Ledger) Capture(ctx context.Context, pendingID, destinationID uuid.UUID) (ResolveResult, error) {
	res, err := withRetry(ctx, l, "capture", func() (ResolveResult, error) {
		var out ResolveResult
		err := l.store.RunInTx(ctx, func(q repository.Querier) error {
			p, err := q.LockPendingTransaction(ctx, pendingID)
			if err != nil {
				return notFoundAs(err, domain.ErrPendingTransactionNotFound)
			}
			switch p.Status {
			case domain.PendingStatusCompleted:
				out = ResolveResult{Pending: p}
				if p.JournalID != nil {
					j, err := q.GetJournal(ctx, *p.JournalID)
					if err != nil {
						return fmt.Errorf("load capture journal: %w", err)
					}
					out.Journal = &j
				}
				return nil
			case domain.PendingStatusFailed:
				return domain.ErrPendingTransactionReleased
			case domain.PendingStatusExpired:
				return domain.ErrPendingTransactionExpired
			}
			if p.Expired(l.now()) {
				return domain.ErrPendingTransactionExpired
			}

			dest := destinationID
			if dest == uuid.Nil {
				if p.DestinationAccountID == nil {
					return fmt.Errorf("%w: capture needs a destination account", domain.ErrInvalidRequest)
				}
				dest = *p.DestinationAccountID
			}
			if dest == p.SourceAccountID {
				return fmt.Errorf("%w: destination must differ from the held account", domain.ErrInvalidRequest)
			}

			accounts, err := lockAccounts(ctx, q, p.SourceAccountID, dest)
			if err != nil {
				return err
			}
			if !accounts[dest].Active {
				return fmt.Errorf("%w: %s", domain.ErrAccountInactive, dest)
			}
			if accounts[dest].Unit != accounts[p.SourceAccountID].Unit {
				return fmt.Errorf("%w: %s and %s", domain.ErrUnitMismatch, accounts[p.SourceAccountID].Unit, accounts[dest].Unit)
			}
			src := accounts[p.SourceAccountID]
			if src.PendingBalance < p.Amount {
				short := src.Balance()
				return &domain.InvariantViolationError{
					AccountID: src.ID,
					Before:    short,
					After:     domain.Balance{Total: short.Total - p.Amount, Available: short.Available, Pending: short.Pending - p.Amount},
				}
			}

			pid := p.ID.String()
			key := domain.KeyPrefixCapture + pid
			if err := claimKey(ctx, q, key); err != nil {
				return err
			}
			j, err := l.createJournal(ctx, q, journalDraft{
				RefType:        p.RefType,
				RefID:          p.RefID,
				IdempotencyKey: key,
				Metadata:       map[string]string{"pending_id": pid, "hold_type": p.Type},
				Legs: []domain.Leg{
					{AccountID: p.SourceAccountID, Amount: -p.Amount, FromPending: true},
					{AccountID: dest, Amount: p.Amount},
				},
			}, accounts)
			if err != nil {
				return err
			}
			journalID := j.ID
			if err := transitionPending(ctx, q, l.audit, &p, domain.PendingStatusCompleted, &journalID, ""); err != nil {
				return err
			}
			if p.DestinationAccountID == nil {
				p.DestinationAccountID = &dest
			}
			out = ResolveResult{Pending: p, Journal: &j, Applied: true}
			return nil
		})
		return out, err
	})

	l.observe(ctx, "capture", err, zap.String("pending_id", pendingID.String()))
	if err != nil {
		return ResolveResult{}, err
	}
	if res.Applied {
		zap.L().Info("hold captured",
			zap.String("pending_id", pendingID.String()),
			zap.String("journal_id", res.Journal.ID.String()),
			zap.Int64("amount", res.Pending.Amount))
	}
	return res, nil
}

// Release returns held funds to available and marks the transaction failed.
// Releasing an already resolved transaction is a no-op.
func (l *Ledger) Release(ctx context.Context, pendingID uuid.UUID, reason string) (ResolveResult, error) {
	res, err := l.release(ctx, pendingID, domain.PendingStatusFailed, reason)
	l.observe(ctx, "release", err, zap.String("pending_id", pendingID.String()))
	return res, err
}

func (l *Ledger) release(ctx context.Context, pendingID uuid.UUID, target, reason string) (ResolveResult, error) {
	return withRetry(ctx, l, "release", func() (ResolveResult, error) {
		var out ResolveResult
		err := l.store.RunInTx(ctx, func(q repository.Querier) error {
			p, err := q.LockPendingTransaction(ctx, pendingID)
			if err != nil {
				return notFoundAs(err, domain.ErrPendingTransactionNotFound)
			}
			out = ResolveResult{Pending: p}
			if domain.IsTerminal(p.Status) {
				return nil
			}
			// A sweep only expires holds that are still pending and past their deadline.
			if target == domain.PendingStatusExpired && !p.Expired(l.now()) {
				return nil
			}
			if !domain.CanTransition(p.Status, target) {
				return fmt.Errorf("%w: pending transaction %s cannot move from %s to %s", domain.ErrInvalidRequest, p.ID, p.Status, target)
			}

			accounts, err := lockAccounts(ctx, q, p.SourceAccountID)
			if err != nil {
				return err
			}
			pid := p.ID
			if err := l.adjustBalances(ctx, q, accounts[p.SourceAccountID], domain.Balance{Available: p.Amount, Pending: -p.Amount}, domain.AuditRecord{
				Action:    domain.AuditActionRelease,
				PendingID: &pid,
				Amount:    p.Amount,
				Metadata:  map[string]string{"status": target, "reason": reason},
			}); err != nil {
				return err
			}
			if err := transitionPending(ctx, q, l.audit, &p, target, nil, reason); err != nil {
				return err
			}
			out = ResolveResult{Pending: p, Applied: true}
			return nil
		})
		return out, err
	})
}

// MarkProcessing claims a pending transaction for a worker. It returns Applied=false when
// another worker already claimed or resolved it.
func (l *Ledger) MarkProcessing(ctx context.Context, pendingID uuid.UUID) (ResolveResult, error) {
	res, err := withRetry(ctx, l, "claim", func() (ResolveResult, error) {
		var out ResolveResult
		err := l.store.RunInTx(ctx, func(q repository.Querier) error {
			p, err := q.LockPendingTransaction(ctx, pendingID)
			if err != nil {
				return notFoundAs(err, domain.ErrPendingTransactionNotFound)
			}
			out = ResolveResult{Pending: p}
			if p.Status != domain.PendingStatusPending {
				return nil
			}
			if p.Expired(l.now()) {
				return domain.ErrPendingTransactionExpired
			}
			if err := transitionPending(ctx, q, l.audit, &p, domain.PendingStatusProcessing, nil, ""); err != nil {
				return err
			}
			out = ResolveResult{Pending: p, Applied: true}
			return nil
		})
		return out, err
	})
	l.observe(ctx, "claim", err, zap.String("pending_id", pendingID.String()))
	return res, err
}

// Unclaim puts a processing transaction back in the queue after its worker gave up before
// contacting the external rail. Funds stay held. Applied is false when the transaction is
// no longer processing.
func (l *Ledger) Unclaim(ctx context.Context, pendingID uuid.UUID, reason string) (ResolveResult, error) {
	res, err := withRetry(ctx, l, "unclaim", func() (ResolveResult, error) {
		var out ResolveResult
		err := l.store.RunInTx(ctx, func(q repository.Querier) error {
			p, err := q.LockPendingTransaction(ctx, pendingID)
			if err != nil {
				return notFoundAs(err, domain.ErrPendingTransactionNotFound)
			}
			out = ResolveResult{Pending: p}
			if p.Status != domain.PendingStatusProcessing {
				return nil
			}
			if err := transitionPending(ctx, q, l.audit, &p, domain.PendingStatusPending, nil, reason); err != nil {
				return err
			}
			out = ResolveResult{Pending: p, Applied: true}
			return nil
		})
		return out, err
	})
	l.observe(ctx, "unclaim", err, zap.String("pending_id", pendingID.String()))
	return res, err
}

// SweepExpired releases up to limit holds whose deadline has passed and returns how many
// it expired. Failures on individual holds do not stop the sweep.
func (l *Ledger) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := l.store.Queries().ListExpiredPending(ctx, l.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired pending: %w", err)
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := l.release(ctx, id, domain.PendingStatusExpired, "expired")
		l.observe(ctx, "expire", err, zap.String("pending_id", id.String()))
		if err != nil {
			zap.L().Error("expire pending transaction failed", zap.Error(err), zap.String("pending_id", id.String()))
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if res.Applied {
			expired++
		}
	}
	if expired > 0 {
		zap.L().Info("expired holds released", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

func (l *Ledger) GetPendingTransaction(ctx context.Context, id uuid.UUID) (domain.PendingTransaction, error) {
	p, err := l.store.Queries().GetPendingTransaction(ctx, id)
	if err != nil {
		return domain.PendingTransaction{}, notFoundAs(err, domain.ErrPendingTransactionNotFound)
	}
	return p, nil
}
