// Package dispatch is the Quote Dispatcher (C8 in SPEC_FULL.md): it
// broadcasts open quote requests to eligible providers (Mode A, triggered
// by session service selection) and runs wave-based exclusive job
// assignment (Mode B, triggered by Job creation), per spec.md §4.2.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/lock"
	"github.com/josephrent/locksmith-dispatch/internal/sms"
	"github.com/josephrent/locksmith-dispatch/internal/store"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

var dispatchTracer = otel.Tracer("locksmith.internal.dispatch")

// Config carries the environment-derived dispatch tuning parameters.
type Config struct {
	WaveSize            int
	WaveDelay           time.Duration
	DispatchConcurrency int
}

// Dispatcher runs the Mode A broadcast and Mode B wave assignment.
type Dispatcher struct {
	store   *store.Store
	gateway sms.Gateway
	locker  lock.Locker
	audit   *audit.Log
	cfg     Config
	logger  *logging.Logger
}

// New wires the dispatcher to its collaborators.
func New(s *store.Store, gateway sms.Gateway, locker lock.Locker, auditLog *audit.Log, cfg Config, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.WaveSize <= 0 {
		cfg.WaveSize = 3
	}
	if cfg.WaveDelay <= 0 {
		cfg.WaveDelay = 120 * time.Second
	}
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = 1
	}
	return &Dispatcher{store: s, gateway: gateway, locker: locker, audit: auditLog, cfg: cfg, logger: logger}
}

// BroadcastQuotes is Mode A: every active, available, in-city provider that
// supports the session's service type gets a session-scoped Pending offer
// with no expiry. Multiple providers may later accept; there is no lock
// and no winner-takes-all semantics (spec.md §4.2 Mode A).
func (d *Dispatcher) BroadcastQuotes(ctx context.Context, sessionID string) error {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.broadcast_quotes")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.session_id", sessionID))

	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ServiceType == nil || sess.City == nil {
		return fmt.Errorf("dispatch: session %s has no service type or city", sessionID)
	}

	providers, err := d.store.ListEligibleProviders(ctx, *sess.City, *sess.ServiceType, nil)
	if err != nil {
		return err
	}
	if len(providers) == 0 {
		d.logger.Warn("no eligible providers for session broadcast", "session_id", sessionID, "city", *sess.City)
		return nil
	}

	body := quoteRequestBody(sess)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.cfg.DispatchConcurrency)

	for _, p := range providers {
		p := p
		group.Go(func() error {
			if err := d.sendOffer(gctx, &store.Offer{SessionID: &sess.ID, ProviderID: p.ID, WaveNumber: 1}, p.Phone, body); err != nil {
				d.logger.Warn("quote send failed", "session_id", sessionID, "provider_id", p.ID, "error", err)
			}
			return nil
		})
	}
	return group.Wait()
}

func quoteRequestBody(sess *store.Session) string {
	address := ""
	if sess.Address != nil {
		address = *sess.Address
	}
	urgency := ""
	if sess.Urgency != nil {
		urgency = string(*sess.Urgency)
	}
	service := ""
	if sess.ServiceType != nil {
		service = string(*sess.ServiceType)
	}
	return fmt.Sprintf("New %s request — %s. Location: %s. Reply \"Y $price\" to quote or \"N\" to decline.", service, urgency, address)
}

// sendOffer inserts a Pending offer, sends the SMS, and logs the message
// and audit event. Failure to send does not roll back the offer: the
// customer-visible state is "offer created", and a delivery failure is
// itself an auditable fact.
func (d *Dispatcher) sendOffer(ctx context.Context, offer *store.Offer, toPhone, body string) error {
	if err := d.store.CreateOffer(ctx, offer); err != nil {
		return err
	}
	result, sendErr := d.gateway.Send(ctx, sms.OutboundMessage{To: toPhone, Body: body})
	msg := &store.Message{
		Direction:      store.DirectionOutbound,
		ToPhone:        toPhone,
		Body:           body,
		ProviderID:     &offer.ProviderID,
		DeliveryStatus: "sent",
	}
	if sendErr != nil {
		errMsg := sendErr.Error()
		msg.DeliveryStatus = "failed"
		msg.ErrorMessage = &errMsg
	} else {
		msg.ProviderMessageID = &result.ProviderMessageID
		offer.ProviderMessageID = &result.ProviderMessageID
		_ = d.store.UpdateOffer(ctx, offer)
	}
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		d.logger.Warn("failed to log outbound message", "error", err)
	}
	entityType, entityID := "offer", offer.ID
	_ = d.audit.Record(ctx, entityType, entityID, "offer_sent", store.ActorSystem, nil,
		map[string]any{"provider_id": offer.ProviderID, "wave": offer.WaveNumber, "send_error": errString(sendErr)})
	return sendErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
