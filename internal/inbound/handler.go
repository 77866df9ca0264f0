package inbound

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/dispatch"
	"github.com/josephrent/locksmith-dispatch/internal/sms"
	"github.com/josephrent/locksmith-dispatch/internal/store"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

var inboundTracer = otel.Tracer("locksmith.internal.inbound")

const helpText = "Locksmith dispatch: reply Y to accept a job, N to decline, AVAILABLE/UNAVAILABLE to toggle your status, STOP to unsubscribe."

// smsEventProvider namespaces inbound SMS dedup keys in the same
// processed_events table the payment webhook uses (spec.md §5's
// idempotent-dispatch requirement, not limited to payments).
const smsEventProvider = "twilio-sms"

// Handler resolves an inbound SMS to a Provider, parses its command, and
// routes it to the Quote Dispatcher or to self-service provider state.
type Handler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	audit      *audit.Log
	logger     *logging.Logger
}

// NewHandler wires the inbound command handler to its collaborators.
func NewHandler(s *store.Store, d *dispatch.Dispatcher, auditLog *audit.Log, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: s, dispatcher: d, audit: auditLog, logger: logger}
}

// Handle logs the inbound message, resolves the sender, and returns the
// TwiML reply body. Every inbound message is logged before parsing
// (spec.md §4.3), even from unrecognized senders.
func (h *Handler) Handle(ctx context.Context, webhook *sms.InboundWebhook) []byte {
	ctx, span := inboundTracer.Start(ctx, "inbound.handle")
	defer span.End()

	fromPhone := sms.NormalizeE164(webhook.From)
	toPhone := sms.NormalizeE164(webhook.To)
	span.SetAttributes(attribute.String("locksmith.from", fromPhone))

	msg := &store.Message{
		Direction:      store.DirectionInbound,
		ToPhone:        toPhone,
		FromPhone:      fromPhone,
		Body:           webhook.Body,
		DeliveryStatus: "received",
	}
	if webhook.MessageSid != "" {
		msg.ProviderMessageID = &webhook.MessageSid
	}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		h.logger.Warn("failed to log inbound message", "error", err)
	}

	cmd := Parse(webhook.Body)

	provider, err := h.store.GetProviderByPhone(ctx, fromPhone)
	if errors.Is(err, apperr.ErrNotFound) {
		return sms.TwiMLReply(h.replyForUnknownSender(cmd))
	}
	if err != nil {
		h.logger.Warn("failed to resolve provider by phone", "error", err)
		return sms.TwiMLReply("Something went wrong. Please try again.")
	}

	if webhook.MessageSid != "" {
		already, err := h.store.AlreadyProcessed(ctx, smsEventProvider, webhook.MessageSid)
		if err != nil {
			h.logger.Warn("failed to check inbound SMS dedup", "message_sid", webhook.MessageSid, "error", err)
		} else if already {
			h.logger.Info("duplicate inbound SMS redelivery ignored", "message_sid", webhook.MessageSid, "command", cmd.Kind)
			return sms.TwiMLReply(h.replyForRedelivery(ctx, provider, cmd))
		}
	}

	reply := h.route(ctx, provider, cmd)

	if webhook.MessageSid != "" {
		if err := h.store.MarkProcessed(ctx, smsEventProvider, webhook.MessageSid); err != nil {
			h.logger.Warn("failed to record inbound SMS dedup", "message_sid", webhook.MessageSid, "error", err)
		}
	}
	return sms.TwiMLReply(reply)
}

// replyForRedelivery answers a Twilio-retried webhook for a command that
// was already handled, without re-running its side effects (spec.md §5's
// idempotent-dispatch requirement extends to inbound SMS, not just
// payment webhooks). For accept/decline it reports the offer's actual
// resolution rather than the generic "no pending offer" reply a second
// AcceptOffer call would otherwise produce once the offer has left Pending.
func (h *Handler) replyForRedelivery(ctx context.Context, provider *store.Provider, cmd Command) string {
	if cmd.Kind != KindAccept && cmd.Kind != KindDecline {
		return "Got it, thanks."
	}
	offer, err := h.store.FindMostRecentOfferForProvider(ctx, provider.ID)
	if err != nil {
		return "Got it, thanks."
	}
	switch offer.Status {
	case store.OfferAccepted:
		if offer.JobID != nil {
			return "Job already assigned."
		}
		return "Thanks! We've recorded your quote."
	case store.OfferDeclined:
		return "Got it, we'll let you know about future jobs."
	default:
		return "Got it, thanks."
	}
}

func (h *Handler) replyForUnknownSender(cmd Command) string {
	if cmd.Kind == KindDeactivate {
		return "You've been unsubscribed."
	}
	return "Unknown number."
}

func (h *Handler) route(ctx context.Context, provider *store.Provider, cmd Command) string {
	switch cmd.Kind {
	case KindSetAvailable:
		return h.setAvailability(ctx, provider, true)
	case KindSetUnavailable:
		return h.setAvailability(ctx, provider, false)
	case KindDeactivate:
		return h.deactivate(ctx, provider)
	case KindHelp:
		return helpText
	case KindAccept:
		return h.accept(ctx, provider, cmd)
	case KindDecline:
		return h.decline(ctx, provider)
	default:
		return "Sorry, we didn't understand that. Reply HELP for options."
	}
}

// setAvailability enforces ¬is_active ⇒ ¬is_available (spec.md §3): a
// deactivated provider cannot self-reactivate availability over SMS.
func (h *Handler) setAvailability(ctx context.Context, provider *store.Provider, available bool) string {
	if available && !provider.IsActive {
		return "Your account is deactivated. Contact support to reactivate."
	}
	provider.IsAvailable = available
	if err := h.store.UpdateProvider(ctx, provider); err != nil {
		h.logger.Warn("failed to update provider availability", "provider_id", provider.ID, "error", err)
		return "Something went wrong. Please try again."
	}
	eventType := "provider_unavailable"
	reply := "You're marked unavailable."
	if available {
		eventType = "provider_available"
		reply = "You're marked available."
	}
	_ = h.audit.Record(ctx, "provider", provider.ID, eventType, store.ActorProvider, nil, nil)
	return reply
}

func (h *Handler) deactivate(ctx context.Context, provider *store.Provider) string {
	provider.IsActive = false
	provider.IsAvailable = false
	if err := h.store.UpdateProvider(ctx, provider); err != nil {
		h.logger.Warn("failed to deactivate provider", "provider_id", provider.ID, "error", err)
		return "Something went wrong. Please try again."
	}
	_ = h.audit.Record(ctx, "provider", provider.ID, "provider_deactivated", store.ActorProvider, nil, nil)
	return "You've been unsubscribed and marked inactive."
}

func (h *Handler) accept(ctx context.Context, provider *store.Provider, cmd Command) string {
	offer, err := h.store.FindMostRecentPendingOfferForProvider(ctx, provider.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "We don't have a pending offer for you right now."
	}
	if err != nil {
		h.logger.Warn("failed to look up pending offer", "provider_id", provider.ID, "error", err)
		return "Something went wrong. Please try again."
	}

	// A session-scoped quote request requires a price; a job-scoped
	// assignment offer does not (spec.md §4.2/§4.3).
	if offer.SessionID != nil && cmd.PriceCents == nil {
		return `Please reply with a price, e.g. "Y $75".`
	}

	err = h.dispatcher.AcceptOffer(ctx, offer.ID, cmd.PriceCents)
	switch {
	case err == nil:
		if offer.JobID != nil {
			return "You're assigned to this job!"
		}
		return "Thanks! We've recorded your quote."
	case errors.Is(err, apperr.ErrConflict):
		return "Job already assigned."
	case errors.Is(err, apperr.ErrPreconditionFailed):
		return "That offer is no longer available."
	default:
		h.logger.Warn("failed to accept offer", "offer_id", offer.ID, "error", err)
		return "Something went wrong. Please try again."
	}
}

func (h *Handler) decline(ctx context.Context, provider *store.Provider) string {
	offer, err := h.store.FindMostRecentPendingOfferForProvider(ctx, provider.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "We don't have a pending offer for you right now."
	}
	if err != nil {
		h.logger.Warn("failed to look up pending offer", "provider_id", provider.ID, "error", err)
		return "Something went wrong. Please try again."
	}
	if err := h.dispatcher.DeclineOffer(ctx, offer.ID); err != nil {
		if errors.Is(err, apperr.ErrPreconditionFailed) {
			return "That offer is no longer available."
		}
		h.logger.Warn("failed to decline offer", "offer_id", offer.ID, "error", err)
		return "Something went wrong. Please try again."
	}
	return "Got it, we'll let you know about future jobs."
}
