package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/token-ledger/internal/api/middleware"
	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/google/uuid"
)

// PayoutHandler handles HTTP requests for creator cash-outs.
type PayoutHandler struct {
	payoutSvc *service.PayoutService
	ledger    *service.Ledger
}

// NewPayoutHandler creates a new PayoutHandler instance.
func NewPayoutHandler(payoutSvc *service.PayoutService, ledger *service.Ledger) *PayoutHandler {
	return &PayoutHandler{
		payoutSvc: payoutSvc,
		ledger:    ledger,
	}
}

// CreatePayoutRequest represents the request body for creating a payout.
type CreatePayoutRequest struct {
	AccountID   string `json:"account_id" validate:"required,uuid"`
	Amount      int64  `json:"amount" validate:"gt=0"`
	Destination string `json:"destination" validate:"required,max=200"`
}

// CreatePayout handles POST /v1/payouts.
// It reserves the funds and returns 202 Accepted; the payout worker settles it later.
func (h *PayoutHandler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey == "" {
		RespondError(w, r, http.StatusBadRequest, "idempotency/missing-key", "Idempotency-Key header is required")
		return
	}

	var req CreatePayoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	accountID := uuid.MustParse(req.AccountID)
	account, err := h.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		respondServiceError(w, r, err, "payout")
		return
	}
	if account.OwnerID != caller.ID && caller.Role != middleware.RoleAdmin {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return
	}

	resp, err := h.payoutSvc.RequestPayout(caller.ledgerContext(r.Context()), service.PayoutRequest{
		AccountID:      accountID,
		Amount:         req.Amount,
		Destination:    req.Destination,
		IdempotencyKey: caller.scopedKey(idempotencyKey),
	})
	if err != nil {
		respondServiceError(w, r, err, "payout")
		return
	}

	if resp.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	RespondJSON(w, http.StatusAccepted, resp)
}

// GetPayout handles GET /v1/payouts/{id}
// It returns the current status of a payout.
func (h *PayoutHandler) GetPayout(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	payoutID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	payout, err := h.ledger.GetPendingTransaction(r.Context(), payoutID)
	if err == nil && payout.Type != domain.HoldTypePayout {
		err = domain.ErrPendingTransactionNotFound
	}
	if err != nil {
		respondServiceError(w, r, err, "payout-read")
		return
	}
	if !caller.privileged() {
		account, accErr := h.ledger.GetAccount(r.Context(), payout.SourceAccountID)
		if accErr != nil {
			respondServiceError(w, r, accErr, "payout-read")
			return
		}
		if account.OwnerID != caller.ID {
			RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
			return
		}
	}

	RespondJSON(w, http.StatusOK, payout)
}
