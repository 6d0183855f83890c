package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrAccountNotFound            = errors.New("account not found")
	ErrAccountInactive            = errors.New("account is inactive")
	ErrUnitMismatch               = errors.New("unit of account mismatch")
	ErrJournalNotFound            = errors.New("journal not found")
	ErrPendingTransactionNotFound = errors.New("pending transaction not found")
	ErrPendingTransactionExpired  = errors.New("pending transaction expired")
	ErrPendingTransactionReleased = errors.New("pending transaction released")
	ErrInvalidAmount              = errors.New("amount must be positive")
	ErrInvalidRequest             = errors.New("invalid request")
	ErrConflict                   = errors.New("concurrent update conflict, retry with the same idempotency key")
	ErrIdempotencyKeyCollision    = errors.New("idempotency key is bound to a different operation")

	ErrUnbalancedJournal  = errors.New("unbalanced journal")
	ErrInvariantViolation = errors.New("balance invariant violation")
	ErrDriftDetected      = errors.New("ledger drift detected")
)

// UnbalancedJournalError reports a journal whose legs do not net to zero or break sign rules.
type UnbalancedJournalError struct {
	Sum    int64
	Reason string
}

func (e *UnbalancedJournalError) Error() string {
	return fmt.Sprintf("unbalanced journal: %s (sum=%d)", e.Reason, e.Sum)
}

func (e *UnbalancedJournalError) Unwrap() error { return ErrUnbalancedJournal }

// InvariantViolationError reports an account update that would leave balances inconsistent.
type InvariantViolationError struct {
	AccountID uuid.UUID
	Before    Balance
	After     Balance
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("balance invariant violation on account %s: %s -> %s", e.AccountID, e.Before, e.After)
}

func (e *InvariantViolationError) Unwrap() error { return ErrInvariantViolation }

// DriftError lists the accounts whose stored balance diverged from their entry history.
type DriftError struct {
	Accounts []uuid.UUID
	// Units whose entries no longer net to zero across all accounts.
	Units []string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("ledger drift detected: %d account(s), %d unit(s) out of balance", len(e.Accounts), len(e.Units))
}

func (e *DriftError) Unwrap() error { return ErrDriftDetected }

// IsFatal reports whether err is a bug-class failure that must abort and alert.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnbalancedJournal) || errors.Is(err, ErrInvariantViolation)
}
