package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/ayo6706/token-ledger/internal/api/middleware"
	"github.com/ayo6706/token-ledger/internal/service"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// WebhookHandler receives payment processor events that mint or refund purchased tokens.
type WebhookHandler struct {
	purchases *service.PurchaseService
}

func NewWebhookHandler(purchases *service.PurchaseService) *WebhookHandler {
	return &WebhookHandler{purchases: purchases}
}

// HandlePaymentWebhook handles POST /v1/webhooks/payments. The raw body is verified
// before it is decoded, so the signature covers exactly the bytes the processor sent.
func (h *WebhookHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			RespondError(w, r, http.StatusRequestEntityTooLarge, "request/body-too-large", "Webhook body exceeds 64 KiB")
			return
		}
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Signature-256")
	}

	resp, err := h.purchases.HandlePaymentWebhook(r.Context(), body, signature)
	if err != nil {
		zap.L().Warn("payment webhook rejected",
			zap.Error(err),
			zap.Int("body_bytes", len(body)),
			zap.String("trace_id", middleware.TraceIDFromContext(r.Context())))
		respondServiceError(w, r, err, "webhook")
		return
	}

	if resp.Status == "duplicate" {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	RespondJSON(w, http.StatusOK, resp)
}
