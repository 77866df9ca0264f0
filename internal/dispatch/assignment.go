package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/lock"
	"github.com/josephrent/locksmith-dispatch/internal/sms"
	"github.com/josephrent/locksmith-dispatch/internal/store"
)

func assignmentLockKey(jobID string) string {
	return "job_assignment:" + jobID
}

const assignmentLockTTL = 30 * time.Second

// StartDispatch begins Mode B wave assignment for a newly created Job.
func (d *Dispatcher) StartDispatch(ctx context.Context, jobID string) error {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.start")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.job_id", jobID))

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobCreated {
		return fmt.Errorf("%w: job is %s, not created", apperr.ErrPreconditionFailed, job.Status)
	}
	now := time.Now().UTC()
	job.Status = store.JobDispatching
	job.DispatchStartedAt = &now
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := d.audit.Record(ctx, "job", job.ID, "dispatch_started", store.ActorSystem, nil, nil); err != nil {
		return err
	}
	return d.SendWave(ctx, jobID)
}

// SendWave sweeps expired offers, then sends a new wave of up to WaveSize
// offers to providers not yet contacted for this job. If no eligible
// providers remain and no prior wave is still outstanding, the job fails
// and the customer is notified a refund is coming (spec.md §4.2 Mode B,
// scenario S5).
func (d *Dispatcher) SendWave(ctx context.Context, jobID string) error {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.send_wave")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.job_id", jobID))

	if _, err := d.store.ExpirePendingOffers(ctx, jobID); err != nil {
		return err
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobDispatching && job.Status != store.JobOffered {
		return nil
	}

	contacted, err := d.contactedProviderIDs(ctx, jobID)
	if err != nil {
		return err
	}

	candidates, err := d.store.ListEligibleProviders(ctx, job.City, job.ServiceType, contacted)
	if err != nil {
		return err
	}
	if len(candidates) > d.cfg.WaveSize {
		candidates = candidates[:d.cfg.WaveSize]
	}

	if len(candidates) == 0 {
		return d.failJobIfExhausted(ctx, job)
	}

	job.CurrentWave++
	job.Status = store.JobOffered
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	expiresAt := time.Now().UTC().Add(d.cfg.WaveDelay)
	body := jobOfferBody(job)
	for _, p := range candidates {
		offer := &store.Offer{
			JobID:      &job.ID,
			ProviderID: p.ID,
			WaveNumber: job.CurrentWave,
			ExpiresAt:  &expiresAt,
		}
		if err := d.sendOffer(ctx, offer, p.Phone, body); err != nil {
			d.logger.Warn("wave offer send failed", "job_id", jobID, "provider_id", p.ID, "error", err)
		}
	}
	return d.audit.Record(ctx, "job", job.ID, "wave_sent", store.ActorSystem, nil,
		map[string]any{"wave": job.CurrentWave, "candidate_count": len(candidates)})
}

func (d *Dispatcher) contactedProviderIDs(ctx context.Context, jobID string) ([]string, error) {
	offers, err := d.store.ListOffersByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(offers))
	var out []string
	for _, o := range offers {
		if !seen[o.ProviderID] {
			seen[o.ProviderID] = true
			out = append(out, o.ProviderID)
		}
	}
	return out, nil
}

// failJobIfExhausted marks the job Failed once the eligible provider pool
// is exhausted and no offers remain outstanding (spec.md §4.2, scenario
// S5). If offers are still Pending from an earlier wave, this is a no-op:
// there is nothing new to send, but the wave isn't over yet.
func (d *Dispatcher) failJobIfExhausted(ctx context.Context, job *store.Job) error {
	total, resolved, err := d.store.CountOffersForJobWave(ctx, job.ID, job.CurrentWave)
	if err != nil {
		return err
	}
	if total > 0 && resolved < total {
		return nil
	}
	job.Status = store.JobFailed
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := d.audit.Record(ctx, "job", job.ID, "dispatch_failed", store.ActorSystem, nil,
		map[string]any{"reason": "provider pool exhausted"}); err != nil {
		return err
	}
	_, err = d.gateway.Send(ctx, sms.OutboundMessage{
		To:   job.CustomerPhone,
		Body: "We're sorry — we couldn't find an available locksmith right now. Your deposit will be refunded shortly.",
	})
	return err
}

func jobOfferBody(job *store.Job) string {
	address := ""
	if job.Address != nil {
		address = *job.Address
	}
	return fmt.Sprintf("New %s job — %s. Location: %s. Reply \"Y\" to accept or \"N\" to decline.", job.ServiceType, job.Urgency, address)
}

// AcceptOffer applies an inbound "Y" command to offer. Session-scoped
// offers (Mode A) need no lock: multiple providers may accept the same
// open quote. Job-scoped offers (Mode B) go through the 5-step assignment
// protocol under a named lock so exactly one acceptance wins (spec.md
// §4.2, invariant 1, scenario S4).
func (d *Dispatcher) AcceptOffer(ctx context.Context, offerID string, quotedPriceCents *int) error {
	offer, err := d.store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Status != store.OfferPending {
		return fmt.Errorf("%w: offer is %s, not pending", apperr.ErrPreconditionFailed, offer.Status)
	}
	if offer.SessionID != nil {
		return d.acceptSessionOffer(ctx, offer, quotedPriceCents)
	}
	return d.acceptJobOffer(ctx, offer)
}

func (d *Dispatcher) acceptSessionOffer(ctx context.Context, offer *store.Offer, quotedPriceCents *int) error {
	now := time.Now().UTC()
	offer.Status = store.OfferAccepted
	offer.QuotedPriceCents = quotedPriceCents
	offer.RespondedAt = &now
	if err := d.store.UpdateOffer(ctx, offer); err != nil {
		return err
	}
	return d.audit.Record(ctx, "offer", offer.ID, "accepted", store.ActorProvider, nil,
		map[string]any{"quoted_price_cents": quotedPriceCents})
}

// acceptJobOffer runs the numbered assignment critical section from
// spec.md §4.2: acquire the named lock, re-read the Job inside it, assign
// if still open, cancel siblings, release.
func (d *Dispatcher) acceptJobOffer(ctx context.Context, offer *store.Offer) error {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.accept_job_offer")
	defer span.End()

	jobID := *offer.JobID
	token, err := d.locker.TryAcquire(ctx, assignmentLockKey(jobID), assignmentLockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return d.cancelLosingOffer(ctx, offer, "Job already assigned")
	}
	if err != nil {
		return err
	}
	defer func() { _ = d.locker.Release(ctx, assignmentLockKey(jobID), token) }()

	var assigned bool
	err = d.store.WithTx(ctx, func(ctx context.Context, tx *store.Store) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != store.JobDispatching && job.Status != store.JobOffered {
			return d.cancelLosingOffer(ctx, offer, "Job no longer available")
		}
		now := time.Now().UTC()
		offer.Status = store.OfferAccepted
		offer.RespondedAt = &now
		if err := tx.UpdateOffer(ctx, offer); err != nil {
			return err
		}
		job.AssignedProviderID = &offer.ProviderID
		job.AssignedAt = &now
		job.Status = store.JobAssigned
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		if err := tx.CancelOtherPendingOffersForJob(ctx, jobID, offer.ID); err != nil {
			return err
		}
		if err := audit.New(tx).Record(ctx, "job", job.ID, "assigned", store.ActorSystem, nil,
			map[string]any{"provider_id": offer.ProviderID}); err != nil {
			return err
		}
		assigned = true
		return nil
	})
	if err != nil || !assigned {
		return err
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = d.gateway.Send(ctx, sms.OutboundMessage{
		To:   job.CustomerPhone,
		Body: "Good news — a locksmith is on the way!",
	})
	return err
}

// cancelLosingOffer is the loser path of a race: the offer is canceled and
// the provider is told so (spec.md §4.2 assignment protocol, scenario S4).
func (d *Dispatcher) cancelLosingOffer(ctx context.Context, offer *store.Offer, reason string) error {
	now := time.Now().UTC()
	offer.Status = store.OfferCanceled
	offer.RespondedAt = &now
	if err := d.store.UpdateOffer(ctx, offer); err != nil {
		return err
	}
	if err := d.audit.Record(ctx, "offer", offer.ID, "canceled", store.ActorSystem, nil,
		map[string]any{"reason": reason}); err != nil {
		return err
	}
	return apperr.ErrConflict
}

// DeclineOffer applies an inbound "N" command. Job-scoped declines may
// trigger the next wave once all of the current wave's offers resolve.
func (d *Dispatcher) DeclineOffer(ctx context.Context, offerID string) error {
	offer, err := d.store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	if offer.Status != store.OfferPending {
		return fmt.Errorf("%w: offer is %s, not pending", apperr.ErrPreconditionFailed, offer.Status)
	}
	now := time.Now().UTC()
	offer.Status = store.OfferDeclined
	offer.RespondedAt = &now
	if err := d.store.UpdateOffer(ctx, offer); err != nil {
		return err
	}
	if err := d.audit.Record(ctx, "offer", offer.ID, "declined", store.ActorProvider, nil, nil); err != nil {
		return err
	}
	if offer.JobID == nil {
		return nil
	}
	return d.evaluateWaveProgression(ctx, *offer.JobID)
}

// evaluateWaveProgression sends the next wave once every offer in the
// current wave has resolved with no acceptance (spec.md §9, Open Question
// iii: progression is reactive, not timer-driven).
func (d *Dispatcher) evaluateWaveProgression(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != store.JobOffered {
		return nil
	}
	total, resolved, err := d.store.CountOffersForJobWave(ctx, jobID, job.CurrentWave)
	if err != nil {
		return err
	}
	if total == 0 || resolved < total {
		return nil
	}
	return d.SendWave(ctx, jobID)
}

// AssignJob directly assigns providerID to jobID, bypassing the SMS offer
// round-trip (the admin console's manual override, spec.md §6 / original
// admin `assign_locksmith` action). It takes the same named lock and
// critical-section shape as acceptJobOffer so a concurrent SMS acceptance
// can't race a manual assignment onto the same job.
func (d *Dispatcher) AssignJob(ctx context.Context, jobID, providerID string) error {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.assign_job")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.job_id", jobID), attribute.String("locksmith.provider_id", providerID))

	provider, err := d.store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if !provider.IsActive {
		return fmt.Errorf("%w: provider is not active", apperr.ErrPreconditionFailed)
	}

	token, err := d.locker.TryAcquire(ctx, assignmentLockKey(jobID), assignmentLockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return fmt.Errorf("%w: job assignment is already in progress", apperr.ErrConflict)
	}
	if err != nil {
		return err
	}
	defer func() { _ = d.locker.Release(ctx, assignmentLockKey(jobID), token) }()

	err = d.store.WithTx(ctx, func(ctx context.Context, tx *store.Store) error {
		job, err := tx.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status == store.JobAssigned || job.Status == store.JobEnRoute ||
			job.Status == store.JobCompleted || job.Status == store.JobCanceled {
			return fmt.Errorf("%w: job is %s", apperr.ErrPreconditionFailed, job.Status)
		}
		now := time.Now().UTC()
		job.AssignedProviderID = &provider.ID
		job.AssignedAt = &now
		job.Status = store.JobAssigned
		if err := tx.UpdateJob(ctx, job); err != nil {
			return err
		}
		if err := tx.CancelPendingOffersForJob(ctx, jobID); err != nil {
			return err
		}
		return audit.New(tx).Record(ctx, "job", job.ID, "manually_assigned", store.ActorAdmin, nil,
			map[string]any{"provider_id": provider.ID})
	})
	if err != nil {
		return err
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = d.gateway.Send(ctx, sms.OutboundMessage{
		To:   provider.Phone,
		Body: jobOfferBody(job) + " You've been assigned to this job directly by dispatch.",
	})
	return err
}

// ControlDispatch applies an operator-driven dispatch action to jobID:
// "restart" cancels every outstanding offer and restarts wave assignment
// from wave zero, "next_wave" sends one more wave immediately, and "cancel"
// cancels every outstanding offer and marks the job Canceled (grounded on
// the original admin `control_dispatch` restart/next_wave/cancel actions).
func (d *Dispatcher) ControlDispatch(ctx context.Context, jobID, action string) error {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.control")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.job_id", jobID), attribute.String("locksmith.action", action))

	switch action {
	case "restart":
		return d.restartDispatch(ctx, jobID)
	case "next_wave":
		return d.SendWave(ctx, jobID)
	case "cancel":
		return d.cancelDispatch(ctx, jobID)
	default:
		return fmt.Errorf("%w: unknown dispatch action %q", apperr.ErrValidation, action)
	}
}

func (d *Dispatcher) restartDispatch(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := d.store.CancelAllOffersForJob(ctx, jobID); err != nil {
		return err
	}
	job.Status = store.JobCreated
	job.CurrentWave = 0
	job.DispatchStartedAt = nil
	job.AssignedProviderID = nil
	job.AssignedAt = nil
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	if err := d.audit.Record(ctx, "job", job.ID, "dispatch_restart", store.ActorAdmin, nil, nil); err != nil {
		return err
	}
	return d.StartDispatch(ctx, jobID)
}

func (d *Dispatcher) cancelDispatch(ctx context.Context, jobID string) error {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := d.store.CancelPendingOffersForJob(ctx, jobID); err != nil {
		return err
	}
	job.Status = store.JobCanceled
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	return d.audit.Record(ctx, "job", job.ID, "dispatch_cancel", store.ActorAdmin, nil, nil)
}

// Sweep demotes expired Pending offers for jobID and advances the wave if
// that was the last outstanding offer. Nothing in this repository calls it
// or runs it on a timer; SendWave demotes expired offers itself through
// store.ExpirePendingOffers before selecting providers.
func (d *Dispatcher) Sweep(ctx context.Context, jobID string) error {
	n, err := d.store.ExpirePendingOffers(ctx, jobID)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return d.evaluateWaveProgression(ctx, jobID)
}
