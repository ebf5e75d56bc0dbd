package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/ayo6706/minority-rounds/internal/service"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

// WebhookHandler receives payment processor callbacks. It is mounted outside
// the JWT group; the HMAC signature authenticates the caller.
type WebhookHandler struct {
	deposits *service.WebhookService
}

func NewWebhookHandler(deposits *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{deposits: deposits}
}

// HandleDepositWebhook handles POST /v1/webhooks/deposits. Redelivery of the
// same reference answers 200 with the original transaction.
func (h *WebhookHandler) HandleDepositWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "request body unreadable or too large")
		return
	}

	resp, err := h.deposits.HandleDepositWebhook(r.Context(), body, r.Header.Get(signatureHeader))
	switch {
	case err == nil:
		RespondJSON(w, http.StatusOK, resp)
	case errors.Is(err, service.ErrInvalidSignature):
		zap.L().Warn("deposit webhook signature rejected", zap.String("remote", r.RemoteAddr))
		RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "Invalid signature")
	case errors.Is(err, service.ErrInvalidDeposit):
		RespondError(w, r, http.StatusBadRequest, "webhook/invalid-payload", err.Error())
	case errors.Is(err, service.ErrDepositPayloadMismatch):
		RespondError(w, r, http.StatusConflict, "webhook/reference-conflict", err.Error())
	default:
		respondServiceError(w, r, err, "webhook/deposit-failed", "Failed to process deposit")
	}
}
