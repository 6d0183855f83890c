package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/repository"
)

type actorContextKey struct{}

// WithActor attaches the acting principal recorded on audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the acting principal, or "system" when none is set.
func ActorFromContext(ctx context.Context) string {
	if ctx != nil {
		if v, ok := ctx.Value(actorContextKey{}).(string); ok && v != "" {
			return v
		}
	}
	return domain.ActorSystem
}

// AuditService writes immutable audit trail entries inside the caller's transaction.
type AuditService struct{}

func NewAuditService() *AuditService {
	return &AuditService{}
}

// Write stores a single immutable audit record.
func (s *AuditService) Write(ctx context.Context, q repository.Querier, rec *domain.AuditRecord) error {
	rec.ID = domain.NewID()
	if rec.Actor == "" {
		rec.Actor = ActorFromContext(ctx)
	}
	if err := q.InsertAuditRecord(ctx, rec); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
