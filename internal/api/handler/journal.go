package handler

import (
	"net/http"

	"github.com/ayo6706/token-ledger/internal/service"
)

type JournalHandler struct {
	ledger *service.Ledger
}

func NewJournalHandler(ledger *service.Ledger) *JournalHandler {
	return &JournalHandler{ledger: ledger}
}

// GetJournal handles GET /v1/journals/{id}. Users may read journals that touch one of
// their accounts.
func (h *JournalHandler) GetJournal(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	journal, err := h.ledger.GetJournal(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err, "journal-read")
		return
	}

	if !caller.privileged() {
		allowed := false
		for _, e := range journal.Entries {
			acct, err := h.ledger.GetAccount(r.Context(), e.AccountID)
			if err == nil && acct.OwnerID == caller.ID {
				allowed = true
				break
			}
		}
		if !allowed {
			RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
			return
		}
	}

	RespondJSON(w, http.StatusOK, journal)
}

type reverseJournalRequest struct {
	Reason  string `json:"reason" validate:"required,max=500"`
	RefType string `json:"ref_type" validate:"omitempty,oneof=refund adjustment"`
}

// ReverseJournal handles POST /v1/journals/{id}/reverse (admin only).
func (h *JournalHandler) ReverseJournal(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req reverseJournalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.ledger.Reverse(caller.ledgerContext(r.Context()), service.ReverseRequest{
		JournalID: id,
		Reason:    req.Reason,
		RefType:   req.RefType,
	})
	if err != nil {
		respondServiceError(w, r, err, "reverse")
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
		status = http.StatusOK
	}
	RespondJSON(w, status, result.Journal)
}
