package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

// EventType is the closed sum of webhook events the dispatcher reacts to
// (spec.md §6).
type EventType string

const (
	EventPaymentSucceeded EventType = "payment_intent.succeeded"
	EventPaymentFailed    EventType = "payment_intent.payment_failed"
	EventRefundCreated    EventType = "refund.created"
)

// Event is a verified, parsed webhook event.
type Event struct {
	ID       string
	Type     EventType
	IntentID string
}

// Tracker records which webhook events have already been dispatched, so
// Stripe's at-least-once delivery can't double-apply a payment_succeeded
// event (spec.md §5). internal/store.Store satisfies this interface.
type Tracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) error
}

// WebhookHandler verifies and dispatches Stripe-style webhooks.
type WebhookHandler struct {
	webhookSecret string
	tracker       Tracker
	logger        *logging.Logger
	onEvent       func(ctx context.Context, evt Event) error
}

// NewWebhookHandler builds a handler. onEvent is invoked once per
// newly-seen event, after signature verification and idempotency checks.
func NewWebhookHandler(webhookSecret string, tracker Tracker, logger *logging.Logger, onEvent func(ctx context.Context, evt Event) error) *WebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{webhookSecret: webhookSecret, tracker: tracker, logger: logger, onEvent: onEvent}
}

type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// Handle verifies the signature, deduplicates by event id, and invokes
// onEvent for newly-seen events. A bad signature is ErrExternalPermanent,
// which the HTTP layer answers with 400; the event is not marked processed,
// so a redelivered copy is verified and handled afresh (spec.md §7).
func (h *WebhookHandler) Handle(r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("payment: read webhook body: %w", err)
	}
	header := r.Header.Get("Stripe-Signature")
	if !verifySignature(h.webhookSecret, body, header, time.Now()) {
		return apperr.ErrExternalPermanent
	}

	var parsed stripeWebhookEvent
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apperr.ErrExternalPermanent
	}

	ctx := r.Context()
	already, err := h.tracker.AlreadyProcessed(ctx, "stripe", parsed.ID)
	if err != nil {
		return err
	}
	if already {
		h.logger.Info("payment webhook already processed", "event_id", parsed.ID)
		return nil
	}

	evt := Event{ID: parsed.ID, Type: EventType(parsed.Type), IntentID: parsed.Data.Object.ID}
	if h.onEvent != nil {
		if err := h.onEvent(ctx, evt); err != nil {
			return err
		}
	}
	return h.tracker.MarkProcessed(ctx, "stripe", parsed.ID)
}
