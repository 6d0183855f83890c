package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/idempotency"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostRequest is a general multi-leg journal, e.g. a tip split between creator and platform.
type PostRequest struct {
	RefType        string
	RefID          string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
	Legs           []domain.Leg
}

type PostResult struct {
	Journal  domain.Journal
	Replayed bool
}

// Post validates and applies a balanced journal atomically. A repeated idempotency key
// returns the journal committed under it without applying anything.
func (l *Ledger) Post(ctx context.Context, req PostRequest) (PostResult, error) {
	if err := checkCallerKey(req.IdempotencyKey); err != nil {
		l.observe(ctx, "post", err)
		return PostResult{}, err
	}
	for _, leg := range req.Legs {
		if leg.FromPending {
			return PostResult{}, fmt.Errorf("%w: reserved funds move only through capture", domain.ErrInvalidRequest)
		}
	}
	res, err := l.post(ctx, "post", req)
	l.observe(ctx, "post", err, zap.String("idempotency_key", req.IdempotencyKey), zap.String("ref_id", req.RefID))
	return res, err
}

func (l *Ledger) post(ctx context.Context, operation string, req PostRequest) (PostResult, error) {
	if !domain.ValidRefType(req.RefType) {
		return PostResult{}, fmt.Errorf("%w: unknown ref type %q", domain.ErrInvalidRequest, req.RefType)
	}
	if req.RefID == "" {
		return PostResult{}, fmt.Errorf("%w: ref id is required", domain.ErrInvalidRequest)
	}
	if err := domain.ValidateLegs(req.Legs); err != nil {
		return PostResult{}, err
	}

	if req.IdempotencyKey != "" {
		existing, err := l.store.Queries().GetJournalByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			observability.IncrementIdempotentReplay(operation, "db")
			return PostResult{Journal: existing, Replayed: true}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return PostResult{}, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	ids := make([]uuid.UUID, 0, len(req.Legs))
	for _, leg := range req.Legs {
		ids = append(ids, leg.AccountID)
	}

	res, err := withRetry(ctx, l, operation, func() (PostResult, error) {
		var out PostResult
		err := l.store.RunInTx(ctx, func(q repository.Querier) error {
			accounts, err := lockAccounts(ctx, q, ids...)
			if err != nil {
				return err
			}
			if req.IdempotencyKey != "" {
				existing, err := q.GetJournalByIdempotencyKey(ctx, req.IdempotencyKey)
				if err == nil {
					out = PostResult{Journal: existing, Replayed: true}
					return nil
				}
				if !errors.Is(err, repository.ErrNotFound) {
					return fmt.Errorf("lookup idempotency key: %w", err)
				}
			}
			if err := checkTradable(accounts); err != nil {
				return err
			}
			for _, leg := range req.Legs {
				acct := accounts[leg.AccountID]
				if leg.Amount >= 0 {
					continue
				}
				funds := acct.AvailableBalance
				if leg.FromPending {
					funds = acct.PendingBalance
				}
				if funds < -leg.Amount {
					return fmt.Errorf("%w: account %s has %d, needs %d",
						domain.ErrInsufficientBalance, acct.ID, funds, -leg.Amount)
				}
			}

			j, err := l.createJournal(ctx, q, journalDraft{
				RefType:        req.RefType,
				RefID:          req.RefID,
				IdempotencyKey: req.IdempotencyKey,
				Description:    req.Description,
				Metadata:       req.Metadata,
				Legs:           req.Legs,
			}, accounts)
			if err != nil {
				return err
			}
			out = PostResult{Journal: j}
			return nil
		})
		return out, err
	})
	if err != nil {
		if req.IdempotencyKey != "" && isDuplicate(err) {
			existing, gerr := l.store.Queries().GetJournalByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr == nil {
				observability.IncrementIdempotentReplay(operation, "db")
				return PostResult{Journal: existing, Replayed: true}, nil
			}
		}
		return PostResult{}, err
	}
	if res.Replayed {
		observability.IncrementIdempotentReplay(operation, "db")
	}
	return res, nil
}

// TransferRequest moves Amount from one account to another. When FeeAccountID is set,
// FeeAmount of Amount is routed to it instead of the destination.
type TransferRequest struct {
	FromAccountID  uuid.UUID
	ToAccountID    uuid.UUID
	Amount         int64
	RefType        string
	RefID          string
	IdempotencyKey string
	Description    string
	FeeAccountID   *uuid.UUID
	FeeAmount      int64
	Metadata       map[string]string
}

type TransferResult struct {
	JournalID   uuid.UUID      `json:"journal_id"`
	FromBalance int64          `json:"from_balance"`
	ToBalance   int64          `json:"to_balance"`
	Journal     domain.Journal `json:"journal"`
	Replayed    bool           `json:"-"`
}

func (r TransferRequest) fingerprint() string {
	fee := ""
	if r.FeeAccountID != nil {
		fee = r.FeeAccountID.String() + ":" + strconv.FormatInt(r.FeeAmount, 10)
	}
	return idempotency.Fingerprint(r.FromAccountID.String(), r.ToAccountID.String(),
		strconv.FormatInt(r.Amount, 10), r.RefType, r.RefID, fee)
}

func (r TransferRequest) legs() ([]domain.Leg, error) {
	if r.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if r.FromAccountID == r.ToAccountID {
		return nil, fmt.Errorf("%w: source and destination must differ", domain.ErrInvalidRequest)
	}
	legs := []domain.Leg{{AccountID: r.FromAccountID, Amount: -r.Amount}}
	if r.FeeAccountID == nil || r.FeeAmount == 0 {
		return append(legs, domain.Leg{AccountID: r.ToAccountID, Amount: r.Amount}), nil
	}
	if r.FeeAmount < 0 || r.FeeAmount >= r.Amount {
		return nil, fmt.Errorf("%w: fee must be positive and below the transfer amount", domain.ErrInvalidAmount)
	}
	if *r.FeeAccountID == r.FromAccountID || *r.FeeAccountID == r.ToAccountID {
		return nil, fmt.Errorf("%w: fee account must differ from both parties", domain.ErrInvalidRequest)
	}
	return append(legs,
		domain.Leg{AccountID: r.ToAccountID, Amount: r.Amount - r.FeeAmount},
		domain.Leg{AccountID: *r.FeeAccountID, Amount: r.FeeAmount, Metadata: map[string]string{"leg": "fee"}},
	), nil
}

// Transfer posts a two-leg (or fee-split three-leg) journal. Replays of a committed
// idempotency key return the original result even if the new request differs. Keys in
// the ledger's own namespaces are rejected.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if err := checkCallerKey(req.IdempotencyKey); err != nil {
		l.observe(ctx, "transfer", err)
		return TransferResult{}, err
	}
	return l.transfer(ctx, req)
}

// transfer is Transfer without the key namespace check, for flows that derive their own keys.
func (l *Ledger) transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	legs, err := req.legs()
	if err != nil {
		l.observe(ctx, "transfer", err)
		return TransferResult{}, err
	}

	hash := req.fingerprint()
	if req.IdempotencyKey != "" {
		if cached, ok := l.cachedTransfer(ctx, req.IdempotencyKey, hash); ok {
			return cached, nil
		}
	}

	res, err := l.post(ctx, "transfer", PostRequest{
		RefType:        req.RefType,
		RefID:          req.RefID,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
		Metadata:       req.Metadata,
		Legs:           legs,
	})
	l.observe(ctx, "transfer", err,
		zap.String("from_account_id", req.FromAccountID.String()),
		zap.String("to_account_id", req.ToAccountID.String()),
		zap.String("idempotency_key", req.IdempotencyKey))
	if err != nil {
		return TransferResult{}, err
	}

	out := transferResult(res.Journal, req.FromAccountID, req.ToAccountID)
	out.Replayed = res.Replayed
	if res.Replayed {
		// The stored journal is authoritative; surface a parameter mismatch without failing.
		if e, ok := res.Journal.EntryFor(req.FromAccountID); !ok || e.Amount != -req.Amount {
			zap.L().Warn("idempotency key reused with different transfer parameters",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.String("journal_id", res.Journal.ID.String()))
			observability.IncrementIdempotentReplay("transfer", "mismatch")
		}
	}

	if req.IdempotencyKey != "" && l.cache != nil {
		if payload, err := json.Marshal(out); err == nil {
			l.cache.Save(ctx, req.IdempotencyKey, hash, payload)
		}
	}

	if !res.Replayed {
		zap.L().Info("transfer posted",
			zap.String("journal_id", out.JournalID.String()),
			zap.String("from_account_id", req.FromAccountID.String()),
			zap.String("to_account_id", req.ToAccountID.String()),
			zap.Int64("amount", req.Amount),
			zap.String("ref_type", req.RefType),
			zap.String("ref_id", req.RefID))
	}
	return out, nil
}

func (l *Ledger) cachedTransfer(ctx context.Context, key, hash string) (TransferResult, bool) {
	rec, err := l.cache.Lookup(ctx, key, hash)
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrHashMismatch):
		zap.L().Warn("idempotency key reused with different transfer parameters",
			zap.String("idempotency_key", key))
		observability.IncrementIdempotentReplay("transfer", "mismatch")
	case errors.Is(err, idempotency.ErrNotFound):
		return TransferResult{}, false
	default:
		zap.L().Warn("idempotency cache unavailable", zap.Error(err))
		return TransferResult{}, false
	}

	var out TransferResult
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		zap.L().Warn("decode cached transfer result", zap.Error(err), zap.String("idempotency_key", key))
		return TransferResult{}, false
	}
	out.Replayed = true
	observability.IncrementIdempotentReplay("transfer", "cache")
	return out, true
}

func transferResult(j domain.Journal, from, to uuid.UUID) TransferResult {
	out := TransferResult{JournalID: j.ID, Journal: j}
	if e, ok := j.EntryFor(from); ok {
		out.FromBalance = e.BalanceAfter
	}
	if e, ok := j.EntryFor(to); ok {
		out.ToBalance = e.BalanceAfter
	}
	return out
}

func checkCallerKey(key string) error {
	if domain.ReservedKey(key) {
		return fmt.Errorf("%w: idempotency key %q uses a reserved prefix", domain.ErrInvalidRequest, key)
	}
	return nil
}
