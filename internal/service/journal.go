package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type journalDraft struct {
	RefType        string
	RefID          string
	IdempotencyKey string
	Description    string
	ReversalOf     *uuid.UUID
	Metadata       map[string]string
	Legs           []domain.Leg
}

// createJournal persists a balanced journal and applies each leg to its locked account.
// Credit legs marked FromPending consume reserved funds; every other leg moves available.
func (l *Ledger) createJournal(ctx context.Context, q repository.Querier, draft journalDraft, accounts map[uuid.UUID]*domain.Account) (domain.Journal, error) {
	if err := domain.ValidateLegs(draft.Legs); err != nil {
		return domain.Journal{}, err
	}

	j := domain.Journal{
		ID:             domain.NewID(),
		RefType:        draft.RefType,
		RefID:          draft.RefID,
		IdempotencyKey: draft.IdempotencyKey,
		Description:    draft.Description,
		ReversalOf:     draft.ReversalOf,
		Metadata:       draft.Metadata,
	}
	if err := q.InsertJournal(ctx, &j); err != nil {
		return domain.Journal{}, fmt.Errorf("insert journal: %w", err)
	}

	for _, leg := range draft.Legs {
		acct, ok := accounts[leg.AccountID]
		if !ok {
			return domain.Journal{}, fmt.Errorf("account %s was not locked before posting", leg.AccountID)
		}

		delta := domain.Balance{Total: leg.Amount, Available: leg.Amount}
		if leg.FromPending {
			delta = domain.Balance{Total: leg.Amount, Pending: leg.Amount}
		}
		action := domain.AuditActionJournalDebit
		if leg.Amount < 0 {
			action = domain.AuditActionJournalCredit
		}

		entry := domain.Entry{
			ID:            domain.NewID(),
			JournalID:     j.ID,
			AccountID:     acct.ID,
			Amount:        leg.Amount,
			Kind:          domain.KindFor(leg.Amount),
			BalanceBefore: acct.TotalBalance,
			BalanceAfter:  acct.TotalBalance + leg.Amount,
			Metadata:      leg.Metadata,
		}
		journalID := j.ID
		if err := l.adjustBalances(ctx, q, acct, delta, domain.AuditRecord{
			Action:    action,
			JournalID: &journalID,
			Amount:    leg.Amount,
		}); err != nil {
			return domain.Journal{}, err
		}
		if err := q.InsertEntry(ctx, &entry); err != nil {
			return domain.Journal{}, fmt.Errorf("insert entry for account %s: %w", acct.ID, err)
		}
		j.Entries = append(j.Entries, entry)
	}

	if err := domain.ValidateEntries(j.Entries); err != nil {
		return domain.Journal{}, err
	}
	return j, nil
}

// ReverseRequest undoes a posted journal with a new, opposite journal.
type ReverseRequest struct {
	JournalID uuid.UUID
	Reason    string
	// RefType defaults to refund.
	RefType string
}

type ReverseResult struct {
	Journal  domain.Journal
	Replayed bool
}

// Reverse posts a journal that flips every entry of the original. Reversing the same
// journal again returns the existing reversal.
func (l *Ledger) Reverse(ctx context.Context, req ReverseRequest) (ReverseResult, error) {
	if req.JournalID == uuid.Nil {
		return ReverseResult{}, fmt.Errorf("%w: journal id is required", domain.ErrInvalidRequest)
	}
	if req.RefType == "" {
		req.RefType = domain.RefTypeRefund
	}
	if !domain.ValidRefType(req.RefType) {
		return ReverseResult{}, fmt.Errorf("%w: unknown ref type %q", domain.ErrInvalidRequest, req.RefType)
	}
	key := domain.KeyPrefixReversal + req.JournalID.String()

	res, err := withRetry(ctx, l, "reverse", func() (ReverseResult, error) {
		var out ReverseResult
		err := l.store.RunInTx(ctx, func(q repository.Querier) error {
			original, err := q.LockJournal(ctx, req.JournalID)
			if err != nil {
				return notFoundAs(err, domain.ErrJournalNotFound)
			}
			if original.ReversalOf != nil {
				return fmt.Errorf("%w: journal %s is itself a reversal", domain.ErrInvalidRequest, original.ID)
			}
			if original.IsReversed && original.ReversedBy != nil {
				existing, err := q.GetJournal(ctx, *original.ReversedBy)
				if err != nil {
					return fmt.Errorf("load reversal %s: %w", *original.ReversedBy, err)
				}
				out = ReverseResult{Journal: existing, Replayed: true}
				return nil
			}

			if err := claimKey(ctx, q, key); err != nil {
				return err
			}

			legs := domain.ReversalLegs(original.Entries)
			ids := make([]uuid.UUID, 0, len(legs))
			for _, leg := range legs {
				ids = append(ids, leg.AccountID)
			}
			accounts, err := lockAccounts(ctx, q, ids...)
			if err != nil {
				return err
			}
			for _, leg := range legs {
				acct := accounts[leg.AccountID]
				if leg.Amount < 0 && acct.AvailableBalance < -leg.Amount {
					return fmt.Errorf("%w: account %s has %d available, reversal needs %d",
						domain.ErrInsufficientBalance, acct.ID, acct.AvailableBalance, -leg.Amount)
				}
			}

			originalID := original.ID
			reversal, err := l.createJournal(ctx, q, journalDraft{
				RefType:        req.RefType,
				RefID:          original.ID.String(),
				IdempotencyKey: key,
				Description:    req.Reason,
				ReversalOf:     &originalID,
				Metadata:       map[string]string{"reason": req.Reason, "original_ref_type": original.RefType, "original_ref_id": original.RefID},
				Legs:           legs,
			}, accounts)
			if err != nil {
				return err
			}
			if err := q.MarkJournalReversed(ctx, original.ID, reversal.ID); err != nil {
				return fmt.Errorf("mark journal %s reversed: %w", original.ID, err)
			}
			out = ReverseResult{Journal: reversal}
			return nil
		})
		return out, err
	})

	l.observe(ctx, "reverse", err, zap.String("journal_id", req.JournalID.String()))
	if err != nil {
		return ReverseResult{}, err
	}
	if !res.Replayed {
		zap.L().Info("journal reversed",
			zap.String("journal_id", req.JournalID.String()),
			zap.String("reversal_id", res.Journal.ID.String()),
			zap.String("reason", req.Reason))
	}
	return res, nil
}

func (l *Ledger) GetJournal(ctx context.Context, id uuid.UUID) (domain.Journal, error) {
	j, err := l.store.Queries().GetJournal(ctx, id)
	if err != nil {
		return domain.Journal{}, notFoundAs(err, domain.ErrJournalNotFound)
	}
	return j, nil
}

// ListAccountEntries pages through an account's entries in commit order.
func (l *Ledger) ListAccountEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := l.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.Queries().ListEntriesByAccount(ctx, accountID, limit, offset)
}

// ReplayBalance recomputes an account's total from its opening balance and full entry history.
func (l *Ledger) ReplayBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	q := l.store.Queries()
	acct, err := q.GetAccount(ctx, accountID)
	if err != nil {
		return 0, notFoundAs(err, domain.ErrAccountNotFound)
	}
	sum, err := q.SumEntriesSince(ctx, accountID, 0)
	if err != nil {
		return 0, fmt.Errorf("sum entries for %s: %w", accountID, err)
	}
	return acct.OpeningBalance + sum.Total, nil
}

// claimKey fails when key already names a journal. Capture and reversal keys are derived
// from the row they settle and written once under that row's lock, so any journal found
// here was posted by some other operation.
func claimKey(ctx context.Context, q repository.Querier, key string) error {
	j, err := q.GetJournalByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s already names journal %s (%s %s)",
			domain.ErrIdempotencyKeyCollision, key, j.ID, j.RefType, j.RefID)
	case errors.Is(err, repository.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("lookup idempotency key: %w", err)
	}
}

func isDuplicate(err error) bool {
	return errors.Is(err, repository.ErrDuplicateKey)
}
