package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/repository"
	"github.com/google/uuid"
)

// transitionPending moves a locked pending transaction to next and audits the change.
// Moving to the current status is a no-op.
func transitionPending(ctx context.Context, q repository.Querier, audit *AuditService, p *domain.PendingTransaction, next string, journalID *uuid.UUID, reason string) error {
	if p.Status == next {
		return nil
	}
	if !domain.CanTransition(p.Status, next) {
		return fmt.Errorf("%w: pending transaction %s cannot move from %s to %s", domain.ErrInvalidRequest, p.ID, p.Status, next)
	}
	if err := q.UpdatePendingStatus(ctx, p.ID, next, journalID, reason); err != nil {
		return fmt.Errorf("update pending status: %w", err)
	}

	previous := p.Status
	p.Status = next
	if journalID != nil {
		p.JournalID = journalID
	}
	if reason != "" {
		p.Reason = reason
	}
	if domain.IsTerminal(next) {
		observability.IncrementPendingResolution(next)
	}

	pendingID := p.ID
	accountID := p.SourceAccountID
	return audit.Write(ctx, q, &domain.AuditRecord{
		Action:    domain.AuditActionPendingTransition,
		AccountID: &accountID,
		PendingID: &pendingID,
		JournalID: journalID,
		Amount:    p.Amount,
		Metadata:  map[string]string{"from": previous, "to": next, "reason": reason},
	})
}
