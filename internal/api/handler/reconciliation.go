package handler

import (
	"errors"
	"net/http"

	"github.com/ayo6706/token-ledger/internal/domain"
	"github.com/ayo6706/token-ledger/internal/service"
)

type ReconciliationHandler struct {
	svc *service.ReconciliationService
}

func NewReconciliationHandler(svc *service.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{svc: svc}
}

// Run handles POST /v1/reconciliation/run (admin only). ?full=true replays every account
// from its opening balance instead of the last snapshot.
func (h *ReconciliationHandler) Run(w http.ResponseWriter, r *http.Request) {
	run := h.svc.Run
	if r.URL.Query().Get("full") == "true" {
		run = h.svc.RunFull
	}

	report, err := run(r.Context())
	if err != nil && !errors.Is(err, domain.ErrDriftDetected) {
		respondServiceError(w, r, err, "reconciliation")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"drift":  err != nil,
		"report": report,
	})
}
