package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/google/uuid"
)

type TransferHandler struct {
	ledger *service.Ledger
}

func NewTransferHandler(ledger *service.Ledger) *TransferHandler {
	return &TransferHandler{ledger: ledger}
}

type createTransferRequest struct {
	FromAccountID string            `json:"from_account_id" validate:"required,uuid"`
	ToAccountID   string            `json:"to_account_id" validate:"required,uuid,nefield=FromAccountID"`
	Amount        int64             `json:"amount" validate:"gt=0"`
	RefType       string            `json:"ref_type" validate:"required"`
	RefID         string            `json:"ref_id" validate:"required,max=200"`
	Description   string            `json:"description" validate:"max=500"`
	FeeAccountID  string            `json:"fee_account_id" validate:"omitempty,uuid"`
	FeeAmount     int64             `json:"fee_amount" validate:"gte=0,ltfield=Amount"`
	Metadata      map[string]string `json:"metadata"`
}

// CreateTransfer handles POST /v1/transfers. Users may only move funds out of accounts
// they own; service callers act on behalf of the platform.
func (h *TransferHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
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

	var req createTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !domain.ValidRefType(req.RefType) {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-ref-type", "Unknown ref_type")
		return
	}
	feeAccountID, err := parseOptionalID(req.FeeAccountID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-fee-account-id", "Invalid fee_account_id")
		return
	}
	if (feeAccountID == nil) != (req.FeeAmount == 0) {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-fee", "fee_account_id and fee_amount must be set together")
		return
	}

	fromID := uuid.MustParse(req.FromAccountID)
	if !caller.privileged() {
		from, err := h.ledger.GetAccount(r.Context(), fromID)
		if err != nil {
			respondServiceError(w, r, err, "transfer")
			return
		}
		if from.OwnerID != caller.ID {
			RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
			return
		}
	}

	result, err := h.ledger.Transfer(caller.ledgerContext(r.Context()), service.TransferRequest{
		FromAccountID:  fromID,
		ToAccountID:    uuid.MustParse(req.ToAccountID),
		Amount:         req.Amount,
		RefType:        req.RefType,
		RefID:          req.RefID,
		IdempotencyKey: caller.scopedKey(idempotencyKey),
		Description:    req.Description,
		FeeAccountID:   feeAccountID,
		FeeAmount:      req.FeeAmount,
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondServiceError(w, r, err, "transfer")
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
		status = http.StatusOK
	}
	RespondJSON(w, status, result)
}
