package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/service"
	"github.com/google/uuid"
)

type AccountHandler struct {
	ledger *service.Ledger
}

func NewAccountHandler(ledger *service.Ledger) *AccountHandler {
	return &AccountHandler{ledger: ledger}
}

// AccountView adds human-readable balances to an account.
type AccountView struct {
	domain.Account
	DisplayTotal     string `json:"display_total"`
	DisplayAvailable string `json:"display_available"`
	DisplayPending   string `json:"display_pending"`
}

func newAccountView(a domain.Account) AccountView {
	return AccountView{
		Account:          a,
		DisplayTotal:     domain.NewMoney(a.TotalBalance, a.Unit).String(),
		DisplayAvailable: domain.NewMoney(a.AvailableBalance, a.Unit).String(),
		DisplayPending:   domain.NewMoney(a.PendingBalance, a.Unit).String(),
	}
}

type createAccountRequest struct {
	OwnerID string `json:"owner_id" validate:"required,uuid"`
	Type    string `json:"type" validate:"omitempty,oneof=user platform"`
	Unit    string `json:"unit" validate:"required,alphanum,max=16"`
}

// CreateAccount handles POST /v1/accounts. It returns the existing account when the owner
// already has one of that type and unit.
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req createAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = domain.AccountTypeUser
	}

	ownerID := uuid.MustParse(req.OwnerID)
	account, err := h.ledger.GetOrCreateAccount(caller.ledgerContext(r.Context()), ownerID, req.Type, strings.ToUpper(req.Unit))
	if err != nil {
		respondServiceError(w, r, err, "account-create")
		return
	}

	RespondJSON(w, http.StatusCreated, newAccountView(account))
}

// GetAccount handles GET /v1/accounts/{id}.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := h.authorizedAccount(w, r)
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, newAccountView(account))
}

// ListEntries handles GET /v1/accounts/{id}/entries.
func (h *AccountHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	account, ok := h.authorizedAccount(w, r)
	if !ok {
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-limit", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-offset", err.Error())
		return
	}

	entries, err := h.ledger.ListAccountEntries(r.Context(), account.ID, limit, offset)
	if err != nil {
		respondServiceError(w, r, err, "entries-list")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"account_id": account.ID,
		"items":      entries,
		"count":      len(entries),
		"limit":      limit,
		"offset":     offset,
	})
}

// DeactivateAccount handles POST /v1/accounts/{id}/deactivate (admin only).
func (h *AccountHandler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	account, err := h.ledger.DeactivateAccount(caller.ledgerContext(r.Context()), id)
	if err != nil {
		respondServiceError(w, r, err, "account-deactivate")
		return
	}
	RespondJSON(w, http.StatusOK, newAccountView(account))
}

func (h *AccountHandler) authorizedAccount(w http.ResponseWriter, r *http.Request) (domain.Account, bool) {
	caller, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return domain.Account{}, false
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return domain.Account{}, false
	}

	account, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err, "account-read")
		return domain.Account{}, false
	}
	if !caller.privileged() && account.OwnerID != caller.ID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return domain.Account{}, false
	}
	return account, true
}
