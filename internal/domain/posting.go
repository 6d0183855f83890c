package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Leg is one unapplied line of a journal. Amount is the signed change to the
// account's total balance: positive legs are debits, negative legs are credits.
type Leg struct {
	AccountID uuid.UUID
	Amount    int64
	// FromPending draws a credit leg from the pending balance instead of available.
	FromPending bool
	Metadata    map[string]string
}

// KindFor maps a signed amount to its entry kind.
func KindFor(amount int64) string {
	if amount > 0 {
		return EntryKindDebit
	}
	return EntryKindCredit
}

// ValidateLegs checks that legs form a balanced journal: at least two legs,
// one leg per account, no zero amounts, at least one debit and one credit, and
// debits equal to credits.
func ValidateLegs(legs []Leg) error {
	if len(legs) < 2 {
		return &UnbalancedJournalError{Reason: fmt.Sprintf("journal needs at least two legs, got %d", len(legs))}
	}
	seen := make(map[uuid.UUID]struct{}, len(legs))
	var sums legSums
	for i, leg := range legs {
		if leg.AccountID == uuid.Nil {
			return &UnbalancedJournalError{Reason: fmt.Sprintf("leg %d has no account", i)}
		}
		if _, dup := seen[leg.AccountID]; dup {
			return &UnbalancedJournalError{Reason: fmt.Sprintf("account %s appears in more than one leg", leg.AccountID)}
		}
		seen[leg.AccountID] = struct{}{}
		if leg.Amount == 0 {
			return &UnbalancedJournalError{Reason: fmt.Sprintf("leg %d has zero amount", i)}
		}
		if leg.FromPending && leg.Amount > 0 {
			return &UnbalancedJournalError{Reason: fmt.Sprintf("leg %d draws from pending but is a debit", i)}
		}
		if err := sums.add(leg.Amount); err != nil {
			return &UnbalancedJournalError{Sum: leg.Amount, Reason: fmt.Sprintf("leg %d: %s", i, err)}
		}
	}
	return sums.balanced("legs")
}

// ValidateEntries re-checks persisted entries: sign matches kind and the journal nets to zero.
func ValidateEntries(entries []Entry) error {
	var sums legSums
	for _, e := range entries {
		switch {
		case e.Kind == EntryKindDebit && e.Amount <= 0,
			e.Kind == EntryKindCredit && e.Amount >= 0:
			return &UnbalancedJournalError{Sum: e.Amount, Reason: fmt.Sprintf("entry %s has %s kind with amount %d", e.ID, e.Kind, e.Amount)}
		case e.BalanceAfter != e.BalanceBefore+e.Amount:
			return &UnbalancedJournalError{Sum: e.Amount, Reason: fmt.Sprintf("entry %s balance_after does not follow from amount", e.ID)}
		}
		if err := sums.add(e.Amount); err != nil {
			return &UnbalancedJournalError{Sum: e.Amount, Reason: fmt.Sprintf("entry %s: %s", e.ID, err)}
		}
	}
	return sums.balanced("entries")
}

// legSums totals debits and credit magnitudes separately so that neither side can wrap.
type legSums struct {
	debits, credits int64
	nDebit, nCredit int
}

func (s *legSums) add(amount int64) error {
	switch {
	case amount == math.MinInt64:
		return errors.New("amount out of range")
	case amount > 0:
		if s.debits > math.MaxInt64-amount {
			return errors.New("debit total overflows")
		}
		s.debits += amount
		s.nDebit++
	case amount < 0:
		if s.credits > math.MaxInt64+amount {
			return errors.New("credit total overflows")
		}
		s.credits -= amount
		s.nCredit++
	}
	return nil
}

func (s *legSums) balanced(what string) error {
	if s.nDebit == 0 || s.nCredit == 0 {
		return &UnbalancedJournalError{Sum: s.debits - s.credits, Reason: what + " need at least one debit and one credit"}
	}
	if s.debits != s.credits {
		return &UnbalancedJournalError{Sum: s.debits - s.credits, Reason: what + " do not net to zero"}
	}
	return nil
}

// ReversalLegs flips every entry of a journal into a new set of legs.
func ReversalLegs(entries []Entry) []Leg {
	legs := make([]Leg, 0, len(entries))
	for _, e := range entries {
		legs = append(legs, Leg{AccountID: e.AccountID, Amount: -e.Amount})
	}
	return legs
}
