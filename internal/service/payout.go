package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/gateway"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stalePayoutWindow = 10 * time.Minute

var errRailRefused = errors.New("payout rail refused the call")

// PayoutService turns cash-out requests into payout holds and settles them against the
// external payout rail.
type PayoutService struct {
	ledger  *Ledger
	gateway gateway.Gateway
}

func NewPayoutService(ledger *Ledger, gw gateway.Gateway) *PayoutService {
	return &PayoutService{ledger: ledger, gateway: gw}
}

type PayoutRequest struct {
	AccountID uuid.UUID
	Amount    int64
	// Destination is the rail-specific payee reference, e.g. a bank account token.
	Destination    string
	IdempotencyKey string
}

type PayoutResponse struct {
	PayoutID  uuid.UUID `json:"payout_id"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
	Replayed  bool      `json:"-"`
}

// RequestPayout reserves the cash-out amount on the creator's account. The payout worker
// later captures it into the payouts account once the rail confirms.
func (s *PayoutService) RequestPayout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error) {
	req.Destination = strings.TrimSpace(req.Destination)
	if req.Destination == "" {
		return nil, fmt.Errorf("%w: destination is required", domain.ErrInvalidRequest)
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidRequest)
	}

	acct, err := s.ledger.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	payouts, err := s.ledger.SystemAccount(ctx, domain.AccountTypePayouts, acct.Unit)
	if err != nil {
		return nil, fmt.Errorf("payouts account for %s: %w", acct.Unit, err)
	}

	dest := payouts.ID
	res, err := s.ledger.hold(ctx, HoldRequest{
		AccountID:            req.AccountID,
		DestinationAccountID: &dest,
		Amount:               req.Amount,
		Type:                 domain.HoldTypePayout,
		RefType:              domain.RefTypeWithdrawal,
		RefID:                req.IdempotencyKey,
		IdempotencyKey:       domain.KeyPrefixPayout + req.IdempotencyKey,
		Metadata:             map[string]string{"destination": req.Destination},
	})
	if err != nil {
		return nil, err
	}
	return &PayoutResponse{
		PayoutID:  res.Pending.ID,
		Status:    res.Pending.Status,
		Amount:    res.Pending.Amount,
		ExpiresAt: res.Pending.ExpiresAt,
		Replayed:  res.Replayed,
	}, nil
}

type readiness interface {
	Ready() bool
}

// ProcessPayouts claims up to batchSize pending payouts, calls the rail outside any
// database transaction, and captures or releases each one. It returns how many it settled.
func (s *PayoutService) ProcessPayouts(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 10
	}
	s.reportStale(ctx, batchSize)

	queued, err := s.ledger.store.Queries().ListPendingByType(ctx, domain.HoldTypePayout, domain.PendingStatusPending, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending payouts: %w", err)
	}

	var (
		settled int
		errs    []error
	)
	for _, p := range queued {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if r, ok := s.gateway.(readiness); ok && !r.Ready() {
			zap.L().Warn("payout gateway unavailable, deferring batch", zap.Int("remaining", len(queued)-settled))
			break
		}
		if err := s.processOne(ctx, p); err != nil {
			if errors.Is(err, errRailRefused) {
				zap.L().Warn("payout gateway refused call, deferring batch", zap.Int("remaining", len(queued)-settled))
				break
			}
			errs = append(errs, err)
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

func (s *PayoutService) processOne(ctx context.Context, p domain.PendingTransaction) error {
	claim, err := s.ledger.MarkProcessing(ctx, p.ID)
	if err != nil {
		if errors.Is(err, domain.ErrPendingTransactionExpired) {
			// Left for the expiry sweep.
			return nil
		}
		return fmt.Errorf("claim payout %s: %w", p.ID, err)
	}
	if !claim.Applied {
		return nil
	}

	acct, err := s.ledger.GetAccount(ctx, p.SourceAccountID)
	if err != nil {
		return fmt.Errorf("load payout account %s: %w", p.SourceAccountID, err)
	}

	ref, gwErr := s.gateway.SendPayout(ctx, p.Metadata["destination"], p.Amount, acct.Unit)
	if gwErr != nil {
		if ctx.Err() != nil {
			zap.L().Warn("payout interrupted while calling gateway; left processing for review",
				zap.String("pending_id", p.ID.String()))
			return gwErr
		}
		if gateway.Rejected(gwErr) {
			zap.L().Warn("payout not sent, returning it to the queue",
				zap.Error(gwErr),
				zap.String("pending_id", p.ID.String()))
			if _, err := s.ledger.Unclaim(ctx, p.ID, "deferred: "+gwErr.Error()); err != nil {
				return fmt.Errorf("requeue payout %s: %w", p.ID, err)
			}
			return fmt.Errorf("payout %s: %w: %w", p.ID, errRailRefused, gwErr)
		}
		zap.L().Warn("payout rejected by gateway, releasing funds",
			zap.Error(gwErr),
			zap.String("pending_id", p.ID.String()))
		if _, err := s.ledger.Release(ctx, p.ID, "gateway: "+gwErr.Error()); err != nil {
			return fmt.Errorf("release failed payout %s: %w", p.ID, err)
		}
		return nil
	}

	if _, err := s.ledger.Capture(ctx, p.ID, uuid.Nil); err != nil {
		zap.L().Error("CRITICAL: payout sent but capture failed; manual review required",
			zap.Error(err),
			zap.String("pending_id", p.ID.String()),
			zap.String("gateway_ref", ref))
		return fmt.Errorf("capture payout %s: %w", p.ID, err)
	}
	zap.L().Info("payout completed",
		zap.String("pending_id", p.ID.String()),
		zap.String("gateway_ref", ref),
		zap.Int64("amount", p.Amount))
	return nil
}

// reportStale logs payouts that were claimed but never settled, e.g. after a crash
// mid-call. Whether the rail paid them is unknown, so they are not touched.
func (s *PayoutService) reportStale(ctx context.Context, limit int) {
	claimed, err := s.ledger.store.Queries().ListPendingByType(ctx, domain.HoldTypePayout, domain.PendingStatusProcessing, limit)
	if err != nil {
		zap.L().Warn("list processing payouts failed", zap.Error(err))
		return
	}
	cutoff := s.ledger.now().Add(-stalePayoutWindow)
	for _, p := range claimed {
		if p.UpdatedAt.Before(cutoff) {
			zap.L().Warn("payout stuck in processing; manual review required",
				zap.String("pending_id", p.ID.String()),
				zap.Time("claimed_at", p.UpdatedAt))
		}
	}
}
