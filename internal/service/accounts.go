package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OpenAccountRequest struct {
	OwnerID uuid.UUID
	Type    string
	Unit    string
	// OpeningBalance provisions supply for fixed system accounts such as the treasury.
	OpeningBalance int64
}

// GetOrCreateAccount returns the owner's account for (type, unit), creating an empty one if needed.
func (l *Ledger) GetOrCreateAccount(ctx context.Context, ownerID uuid.UUID, accountType, unit string) (domain.Account, error) {
	return l.OpenAccount(ctx, OpenAccountRequest{OwnerID: ownerID, Type: accountType, Unit: unit})
}

// OpenAccount creates an account or returns the existing one for the same (owner, type, unit).
// The opening balance of an existing account is never changed.
func (l *Ledger) OpenAccount(ctx context.Context, req OpenAccountRequest) (domain.Account, error) {
	req.Unit = strings.ToUpper(strings.TrimSpace(req.Unit))
	switch {
	case req.OwnerID == uuid.Nil:
		return domain.Account{}, fmt.Errorf("%w: owner id is required", domain.ErrInvalidRequest)
	case !domain.ValidAccountType(req.Type):
		return domain.Account{}, fmt.Errorf("%w: unknown account type %q", domain.ErrInvalidRequest, req.Type)
	case req.Unit == "":
		return domain.Account{}, fmt.Errorf("%w: unit is required", domain.ErrInvalidRequest)
	case req.OpeningBalance < 0:
		return domain.Account{}, fmt.Errorf("%w: opening balance cannot be negative", domain.ErrInvalidAmount)
	}

	q := l.store.Queries()
	if existing, err := q.GetAccountByOwner(ctx, req.OwnerID, req.Type, req.Unit); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}

	acct := domain.Account{
		ID:               domain.NewID(),
		OwnerID:          req.OwnerID,
		Type:             req.Type,
		Unit:             req.Unit,
		TotalBalance:     req.OpeningBalance,
		AvailableBalance: req.OpeningBalance,
		OpeningBalance:   req.OpeningBalance,
		Active:           true,
	}
	err := l.store.RunInTx(ctx, func(q repository.Querier) error {
		if err := q.CreateAccount(ctx, &acct); err != nil {
			return err
		}
		id := acct.ID
		after := acct.Balance()
		return l.audit.Write(ctx, q, &domain.AuditRecord{
			Action:    domain.AuditActionOpen,
			AccountID: &id,
			Amount:    req.OpeningBalance,
			After:     &after,
			Metadata:  map[string]string{"type": acct.Type, "unit": acct.Unit},
		})
	})
	if err != nil {
		if isDuplicate(err) {
			existing, gerr := l.store.Queries().GetAccountByOwner(ctx, req.OwnerID, req.Type, req.Unit)
			if gerr != nil {
				return domain.Account{}, fmt.Errorf("get account after duplicate create: %w", gerr)
			}
			return existing, nil
		}
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}

	zap.L().Info("account opened",
		zap.String("account_id", acct.ID.String()),
		zap.String("owner_id", acct.OwnerID.String()),
		zap.String("type", acct.Type),
		zap.String("unit", acct.Unit),
		zap.Int64("opening_balance", acct.OpeningBalance))
	return acct, nil
}

func (l *Ledger) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	acct, err := l.store.Queries().GetAccount(ctx, id)
	if err != nil {
		return domain.Account{}, notFoundAs(err, domain.ErrAccountNotFound)
	}
	return acct, nil
}

// DeactivateAccount blocks all further postings against the account. Existing holds can
// still be released.
func (l *Ledger) DeactivateAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	return withRetry(ctx, l, "deactivate", func() (domain.Account, error) {
		var acct domain.Account
		err := l.store.RunInTx(ctx, func(q repository.Querier) error {
			a, err := q.LockAccount(ctx, id)
			if err != nil {
				return notFoundAs(err, domain.ErrAccountNotFound)
			}
			acct = a
			if !a.Active {
				return nil
			}
			if err := q.SetAccountActive(ctx, id, false); err != nil {
				return fmt.Errorf("deactivate account: %w", err)
			}
			acct.Active = false
			accountID := id
			bal := a.Balance()
			return l.audit.Write(ctx, q, &domain.AuditRecord{
				Action:    domain.AuditActionDeactivate,
				AccountID: &accountID,
				Before:    &bal,
				After:     &bal,
			})
		})
		return acct, err
	})
}

// SystemAccounts maps account type to the system-owned account for one unit.
type SystemAccounts map[string]domain.Account

// EnsureSystemAccounts bootstraps the fixed platform accounts for unit. Only the treasury
// receives the opening supply, and only when it is created.
func (l *Ledger) EnsureSystemAccounts(ctx context.Context, unit string, treasurySupply int64) (SystemAccounts, error) {
	out := make(SystemAccounts, len(domain.SystemAccountTypes()))
	for _, t := range domain.SystemAccountTypes() {
		opening := int64(0)
		if t == domain.AccountTypeTreasury {
			opening = treasurySupply
		}
		acct, err := l.OpenAccount(ctx, OpenAccountRequest{
			OwnerID:        domain.SystemOwnerID,
			Type:           t,
			Unit:           unit,
			OpeningBalance: opening,
		})
		if err != nil {
			return nil, fmt.Errorf("ensure %s account: %w", t, err)
		}
		out[t] = acct
	}
	return out, nil
}

// SystemAccount looks up a bootstrapped system account.
func (l *Ledger) SystemAccount(ctx context.Context, accountType, unit string) (domain.Account, error) {
	acct, err := l.store.Queries().GetAccountByOwner(ctx, domain.SystemOwnerID, accountType, strings.ToUpper(unit))
	if err != nil {
		return domain.Account{}, notFoundAs(err, domain.ErrAccountNotFound)
	}
	return acct, nil
}

// adjustBalances applies delta to a locked account and records the change in the audit log.
// It refuses any result that breaks total == available + pending or goes negative.
func (l *Ledger) adjustBalances(ctx context.Context, q repository.Querier, acct *domain.Account, delta domain.Balance, rec domain.AuditRecord) error {
	before := acct.Balance()
	after := domain.Balance{
		Total:     before.Total + delta.Total,
		Available: before.Available + delta.Available,
		Pending:   before.Pending + delta.Pending,
	}
	if !before.Valid() || !after.Valid() {
		return &domain.InvariantViolationError{AccountID: acct.ID, Before: before, After: after}
	}
	if err := q.UpdateAccountBalances(ctx, acct.ID, after); err != nil {
		return fmt.Errorf("update balances for %s: %w", acct.ID, err)
	}
	acct.SetBalance(after)

	id := acct.ID
	rec.AccountID = &id
	rec.Before = &before
	rec.After = &after
	return l.audit.Write(ctx, q, &rec)
}
