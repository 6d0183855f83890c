package service

import (
	"context"
	"errors"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/observability"
	"github.com/ayo6706/token-ledger/internal/repository"
	"go.uber.org/zap"
)

// alert reports a fatal failure after its transaction has been rolled back. The audit
// record is written in its own transaction so it survives the abort.
func (l *Ledger) alert(ctx context.Context, operation string, err error, fields ...zap.Field) {
	rec := domain.AuditRecord{
		Action:   domain.AuditActionInvariantViolation,
		Metadata: map[string]string{"operation": operation, "error": err.Error()},
	}
	kind := "invariant_violation"

	var unbalanced *domain.UnbalancedJournalError
	if errors.As(err, &unbalanced) {
		kind = "unbalanced_journal"
		rec.Action = domain.AuditActionUnbalancedJournal
		rec.Amount = unbalanced.Sum
	}
	var violation *domain.InvariantViolationError
	if errors.As(err, &violation) {
		id := violation.AccountID
		before, after := violation.Before, violation.After
		rec.AccountID = &id
		rec.Before = &before
		rec.After = &after
		rec.Amount = after.Total - before.Total
	}

	observability.IncrementInvariantViolation(kind)
	zap.L().Error("CRITICAL: ledger invariant violated, transaction aborted",
		append(fields, zap.String("operation", operation), zap.String("kind", kind), zap.Error(err))...)

	auditCtx := context.WithoutCancel(ctx)
	if werr := l.store.RunInTx(auditCtx, func(q repository.Querier) error {
		return l.audit.Write(auditCtx, q, &rec)
	}); werr != nil {
		zap.L().Error("write invariant alert audit record failed", zap.Error(werr), zap.String("operation", operation))
	}
}

// observe records the outcome of a ledger operation and raises an alert for fatal errors.
func (l *Ledger) observe(ctx context.Context, operation string, err error, fields ...zap.Field) {
	switch {
	case err == nil:
		observability.IncrementLedgerOperation(operation, "success")
	case domain.IsFatal(err):
		observability.IncrementLedgerOperation(operation, "fatal")
		l.alert(ctx, operation, err, fields...)
	case errors.Is(err, domain.ErrConflict):
		observability.IncrementLedgerOperation(operation, "conflict")
	case errors.Is(err, domain.ErrIdempotencyKeyCollision):
		observability.IncrementLedgerOperation(operation, "key_collision")
		zap.L().Error("idempotency key taken by another operation",
			append(fields, zap.String("operation", operation), zap.Error(err))...)
	default:
		observability.IncrementLedgerOperation(operation, "rejected")
	}
}
