package httpapi

import (
	"errors"
	"net/http"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/internal/inbound"
	"github.com/josephrent/locksmith-dispatch/internal/payment"
	"github.com/josephrent/locksmith-dispatch/internal/sms"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

// WebhookHandler wires the externally-facing SMS and payment webhooks.
type WebhookHandler struct {
	gateway    sms.Gateway
	inbound    *inbound.Handler
	payments   *payment.WebhookHandler
	webhookURL string
	logger     *logging.Logger
}

// NewWebhookHandler wires the webhook HTTP surface to its collaborators.
func NewWebhookHandler(gateway sms.Gateway, inboundHandler *inbound.Handler, payments *payment.WebhookHandler, webhookURL string, logger *logging.Logger) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{gateway: gateway, inbound: inboundHandler, payments: payments, webhookURL: webhookURL, logger: logger}
}

// SMS handles the Twilio-style inbound message webhook: it verifies the
// request signature before parsing, then always replies with TwiML
// (spec.md §6), even for senders or commands the parser rejects.
func (h *WebhookHandler) SMS(w http.ResponseWriter, r *http.Request) {
	if !h.gateway.ValidateSignature(r, h.webhookURL) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	webhook, err := sms.ParseInboundWebhook(r)
	if err != nil {
		jsonError(w, "invalid webhook payload", http.StatusBadRequest)
		return
	}
	reply := h.inbound.Handle(r.Context(), webhook)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(reply)
}

// Payment handles the Stripe-style payment webhook. A bad signature is
// ExternalPermanent and is answered with 400: the event is not
// acknowledged or marked processed, so the sender may redeliver it
// (spec.md §7).
func (h *WebhookHandler) Payment(w http.ResponseWriter, r *http.Request) {
	if err := h.payments.Handle(r); err != nil {
		if errors.Is(err, apperr.ErrExternalPermanent) {
			jsonError(w, "invalid webhook signature", http.StatusBadRequest)
			return
		}
		h.logger.Warn("payment webhook handling failed", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
