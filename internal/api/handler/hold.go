package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/google/uuid"
)

// HoldHandler exposes reservations for session billing, escrow and fraud review.
type HoldHandler struct {
	ledger *service.Ledger
}

func NewHoldHandler(ledger *service.Ledger) *HoldHandler {
	return &HoldHandler{ledger: ledger}
}

type createHoldRequest struct {
	AccountID            string            `json:"account_id" validate:"required,uuid"`
	DestinationAccountID string            `json:"destination_account_id" validate:"omitempty,uuid,nefield=AccountID"`
	Amount               int64             `json:"amount" validate:"gt=0"`
	Type                 string            `json:"type" validate:"omitempty,oneof=escrow fraud_hold payout"`
	RefType              string            `json:"ref_type" validate:"required"`
	RefID                string            `json:"ref_id" validate:"required,max=200"`
	Reason               string            `json:"reason" validate:"max=500"`
	ExpiresAt            *time.Time        `json:"expires_at"`
	Metadata             map[string]string `json:"metadata"`
}

// CreateHold handles POST /v1/holds. The Idempotency-Key header is optional; without it the
// hold is keyed by its reference.
func (h *HoldHandler) CreateHold(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req createHoldRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	dest, err := parseOptionalID(req.DestinationAccountID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-destination-account-id", "Invalid destination_account_id")
		return
	}

	hold := service.HoldRequest{
		AccountID:            uuid.MustParse(req.AccountID),
		DestinationAccountID: dest,
		Amount:               req.Amount,
		Type:                 req.Type,
		RefType:              req.RefType,
		RefID:                req.RefID,
		Reason:               req.Reason,
		Metadata:             req.Metadata,
	}
	if req.ExpiresAt != nil {
		hold.ExpiresAt = *req.ExpiresAt
	}
	// Without a header the hold is keyed by its reference, still within the caller's namespace.
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		hold.IdempotencyKey = caller.scopedKey(key)
	} else {
		hold.IdempotencyKey = caller.scopedKey("ref:" + req.RefType + ":" + req.RefID)
	}

	result, err := h.ledger.Hold(caller.ledgerContext(r.Context()), hold)
	if err != nil {
		respondServiceError(w, r, err, "hold")
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
		status = http.StatusOK
	}
	RespondJSON(w, status, result.Pending)
}

// GetHold handles GET /v1/holds/{id}.
func (h *HoldHandler) GetHold(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.ledger.GetPendingTransaction(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err, "hold-read")
		return
	}
	RespondJSON(w, http.StatusOK, p)
}

type captureHoldRequest struct {
	DestinationAccountID string `json:"destination_account_id" validate:"omitempty,uuid"`
}

// CaptureHold handles POST /v1/holds/{id}/capture.
func (h *HoldHandler) CaptureHold(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req captureHoldRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	dest := uuid.Nil
	if req.DestinationAccountID != "" {
		dest = uuid.MustParse(req.DestinationAccountID)
	}

	result, err := h.ledger.Capture(caller.ledgerContext(r.Context()), id, dest)
	if err != nil {
		respondServiceError(w, r, err, "capture")
		return
	}
	RespondJSON(w, http.StatusOK, resolveResponse(result))
}

type releaseHoldRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ReleaseHold handles POST /v1/holds/{id}/release.
func (h *HoldHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req releaseHoldRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "released by " + caller.Role
	}

	result, err := h.ledger.Release(caller.ledgerContext(r.Context()), id, req.Reason)
	if err != nil {
		respondServiceError(w, r, err, "release")
		return
	}
	RespondJSON(w, http.StatusOK, resolveResponse(result))
}

func resolveResponse(res service.ResolveResult) map[string]any {
	body := map[string]any{
		"pending": res.Pending,
		"applied": res.Applied,
	}
	if res.Journal != nil {
		body["journal"] = res.Journal
	}
	return body
}
