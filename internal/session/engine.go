// Package session implements the Session Engine (C7 in SPEC_FULL.md): the
// pre-payment funnel state machine described in spec.md §4.1, including the
// Job Factory (§4.4) that promotes a completed Session into a Job.
package session

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/geocode"
	"github.com/josephrent/locksmith-dispatch/internal/payment"
	"github.com/josephrent/locksmith-dispatch/internal/store"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

var sessionTracer = otel.Tracer("locksmith.internal.session")

// Dispatcher is the narrow slice of the Quote Dispatcher the Session
// Engine hands off to, kept as an interface so this package never imports
// internal/dispatch (which imports internal/store, not this package, but
// the indirection keeps the dependency one-way).
type Dispatcher interface {
	BroadcastQuotes(ctx context.Context, sessionID string) error
	StartDispatch(ctx context.Context, jobID string) error
}

// Engine runs the Session Engine state machine.
type Engine struct {
	store        *store.Store
	audit        *audit.Log
	geocoder     geocode.Geocoder
	payments     payment.Adapter
	dispatcher   Dispatcher
	serviceAreas map[string]bool
	deposits     map[string]int
	devMode      bool
	logger       *logging.Logger
}

// Config carries the environment-derived settings the engine needs.
type Config struct {
	ServiceAreas        []string
	DepositAmountsCents map[string]int
	DevMode             bool
}

// NewEngine wires the Session Engine to its collaborators.
func NewEngine(s *store.Store, auditLog *audit.Log, geocoder geocode.Geocoder, payments payment.Adapter, dispatcher Dispatcher, cfg Config, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	areas := make(map[string]bool, len(cfg.ServiceAreas))
	for _, a := range cfg.ServiceAreas {
		areas[strings.ToLower(strings.TrimSpace(a))] = true
	}
	return &Engine{
		store:        s,
		audit:        auditLog,
		geocoder:     geocoder,
		payments:     payments,
		dispatcher:   dispatcher,
		serviceAreas: areas,
		deposits:     cfg.DepositAmountsCents,
		devMode:      cfg.DevMode,
		logger:       logger,
	}
}

// CreateSessionRequest captures the telemetry collected at funnel entry.
type CreateSessionRequest struct {
	UserAgent string
	IP        string
	Referrer  string
	UTMParams map[string]string
}

// CreateSession starts a new funnel at step 1.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*store.Session, error) {
	ctx, span := sessionTracer.Start(ctx, "session.create")
	defer span.End()

	sess := &store.Session{
		Status:      store.SessionStarted,
		StepReached: 1,
		UserAgent:   req.UserAgent,
		IP:          req.IP,
		Referrer:    req.Referrer,
		UTMParams:   req.UTMParams,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := e.audit.Record(ctx, "session", sess.ID, "created", store.ActorSystem, nil, nil); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return sess, nil
}

// LocationRequest is the location step's input (spec.md §6).
type LocationRequest struct {
	CustomerName  string
	CustomerPhone string
	CustomerEmail *string
	Address       *string
	Latitude      *float64
	Longitude     *float64
}

// ValidateLocation geocodes the submitted location and checks it against
// the configured service area. An out-of-area result is not an error: the
// session moves to LocationRejected and the caller reports
// is_in_service_area=false (spec.md §7).
func (e *Engine) ValidateLocation(ctx context.Context, sessionID string, req LocationRequest) (*store.Session, error) {
	ctx, span := sessionTracer.Start(ctx, "session.validate_location")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.session_id", sessionID))

	if req.Address == nil && (req.Latitude == nil || req.Longitude == nil) {
		return nil, fmt.Errorf("%w: address or lat/lng pin required", apperr.ErrValidation)
	}
	if req.Address != nil && len(strings.TrimSpace(*req.Address)) < 10 && (req.Latitude == nil || req.Longitude == nil) {
		return nil, fmt.Errorf("%w: address must be at least 10 characters", apperr.ErrValidation)
	}

	var loc geocode.Location
	var geoErr error
	if req.Latitude != nil && req.Longitude != nil {
		loc, geoErr = e.geocoder.Reverse(ctx, *req.Latitude, *req.Longitude)
	} else {
		loc, geoErr = e.geocoder.Forward(ctx, *req.Address)
	}

	inArea := false
	city := ""
	if geoErr == nil {
		city = loc.City
		inArea = e.serviceAreas[strings.ToLower(strings.TrimSpace(city))]
	} else if e.devMode {
		inArea = true
	}

	var result *store.Session
	err := e.store.WithTx(ctx, func(ctx context.Context, tx *store.Store) error {
		sess, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != store.SessionStarted {
			return fmt.Errorf("%w: session is %s, not started", apperr.ErrPreconditionFailed, sess.Status)
		}
		sess.CustomerName = req.CustomerName
		sess.CustomerPhone = req.CustomerPhone
		sess.CustomerEmail = req.CustomerEmail
		sess.Address = req.Address
		sess.Latitude = req.Latitude
		sess.Longitude = req.Longitude
		sess.IsInServiceArea = &inArea
		if city != "" {
			sess.City = &city
		}
		if inArea {
			sess.Status = store.SessionLocationValidated
		} else {
			sess.Status = store.SessionLocationRejected
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		eventType := "location_validated"
		if !inArea {
			eventType = "location_rejected"
		}
		if err := audit.New(tx).Record(ctx, "session", sess.ID, eventType, store.ActorSystem, nil, map[string]any{"city": city}); err != nil {
			return err
		}
		result = sess
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// ServiceRequest is the service-selection step's input (spec.md §6).
type ServiceRequest struct {
	ServiceType  store.ServiceType
	Urgency      store.Urgency
	Description  *string
	VehicleMake  *string
	VehicleModel *string
	VehicleYear  *int
}

// SelectService records the requested service, computes the deposit, and
// hands the session to the Quote Dispatcher's Mode A broadcast.
func (e *Engine) SelectService(ctx context.Context, sessionID string, req ServiceRequest) (*store.Session, error) {
	ctx, span := sessionTracer.Start(ctx, "session.select_service")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.session_id", sessionID))

	if req.ServiceType == store.ServiceCarLockout && (req.VehicleMake == nil || req.VehicleModel == nil || req.VehicleYear == nil) {
		return nil, fmt.Errorf("%w: vehicle make/model/year required for car_lockout", apperr.ErrValidation)
	}

	deposit := e.depositAmount(req.ServiceType, req.Urgency)

	var result *store.Session
	err := e.store.WithTx(ctx, func(ctx context.Context, tx *store.Store) error {
		sess, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != store.SessionLocationValidated {
			return fmt.Errorf("%w: session is %s, not location_validated", apperr.ErrPreconditionFailed, sess.Status)
		}
		sess.ServiceType = &req.ServiceType
		sess.Urgency = &req.Urgency
		sess.Description = req.Description
		sess.VehicleMake = req.VehicleMake
		sess.VehicleModel = req.VehicleModel
		sess.VehicleYear = req.VehicleYear
		sess.DepositAmount = &deposit
		sess.StepReached = 2
		sess.Status = store.SessionPendingApproval
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		if err := audit.New(tx).Record(ctx, "session", sess.ID, "service_selected", store.ActorSystem, nil,
			map[string]any{"service_type": string(req.ServiceType), "urgency": string(req.Urgency), "deposit_amount_cents": deposit}); err != nil {
			return err
		}
		result = sess
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if e.dispatcher != nil {
		if err := e.dispatcher.BroadcastQuotes(ctx, sessionID); err != nil {
			e.logger.Warn("quote broadcast failed", "session_id", sessionID, "error", err)
		}
	}
	return result, nil
}

// depositAmount implements spec.md's deposit formula (invariant 7):
// round(1.5 × base(type)) when urgency is emergency, else base(type).
func (e *Engine) depositAmount(serviceType store.ServiceType, urgency store.Urgency) int {
	base := e.deposits[string(serviceType)]
	if urgency == store.UrgencyEmergency {
		return int(math.Round(float64(base) * 1.5))
	}
	return base
}

// RequestPayment creates a payment intent for the session's deposit and
// moves the session to PaymentPending.
func (e *Engine) RequestPayment(ctx context.Context, sessionID string) (payment.Intent, error) {
	ctx, span := sessionTracer.Start(ctx, "session.request_payment")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.session_id", sessionID))

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return payment.Intent{}, err
	}
	if sess.Status != store.SessionPendingApproval && sess.Status != store.SessionServiceSelected {
		return payment.Intent{}, fmt.Errorf("%w: session is %s", apperr.ErrPreconditionFailed, sess.Status)
	}
	if sess.DepositAmount == nil {
		return payment.Intent{}, fmt.Errorf("%w: session has no deposit amount", apperr.ErrPreconditionFailed)
	}

	intent, err := e.payments.CreateIntent(ctx, sessionID, *sess.DepositAmount)
	if err != nil {
		span.RecordError(err)
		return payment.Intent{}, err
	}

	err = e.store.WithTx(ctx, func(ctx context.Context, tx *store.Store) error {
		locked, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if locked.Status != store.SessionPendingApproval && locked.Status != store.SessionServiceSelected {
			return fmt.Errorf("%w: session is %s", apperr.ErrPreconditionFailed, locked.Status)
		}
		locked.PaymentIntentID = &intent.IntentID
		locked.StepReached = 3
		locked.Status = store.SessionPaymentPending
		if err := tx.UpdateSession(ctx, locked); err != nil {
			return err
		}
		return audit.New(tx).Record(ctx, "session", locked.ID, "payment_requested", store.ActorSystem, nil,
			map[string]any{"payment_intent_id": intent.IntentID})
	})
	if err != nil {
		span.RecordError(err)
		return payment.Intent{}, err
	}
	return intent, nil
}

// Complete confirms the payment and, on success, creates the Job that
// drives assignment (the Job Factory, spec.md §4.4).
func (e *Engine) Complete(ctx context.Context, sessionID string) (*store.Job, error) {
	ctx, span := sessionTracer.Start(ctx, "session.complete")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.session_id", sessionID))

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.SessionPaymentPending {
		return nil, fmt.Errorf("%w: session is %s, not payment_pending", apperr.ErrPreconditionFailed, sess.Status)
	}
	if sess.PaymentIntentID == nil {
		return nil, fmt.Errorf("%w: session has no payment intent", apperr.ErrPreconditionFailed)
	}

	confirmed, err := e.payments.Confirm(ctx, *sess.PaymentIntentID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !confirmed {
		return nil, fmt.Errorf("%w: payment not confirmed", apperr.ErrPreconditionFailed)
	}

	var job *store.Job
	err = e.store.WithTx(ctx, func(ctx context.Context, tx *store.Store) error {
		locked, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if locked.Status != store.SessionPaymentPending {
			return fmt.Errorf("%w: session is %s, not payment_pending", apperr.ErrPreconditionFailed, locked.Status)
		}
		now := time.Now().UTC()
		locked.Status = store.SessionPaymentCompleted
		locked.CompletedAt = &now
		if err := tx.UpdateSession(ctx, locked); err != nil {
			return err
		}

		city := ""
		if locked.City != nil {
			city = *locked.City
		}
		newJob := &store.Job{
			SessionID:          locked.ID,
			CustomerName:       locked.CustomerName,
			CustomerPhone:      locked.CustomerPhone,
			Address:            locked.Address,
			City:               city,
			Latitude:           locked.Latitude,
			Longitude:          locked.Longitude,
			ServiceType:        *locked.ServiceType,
			Urgency:            *locked.Urgency,
			Description:        locked.Description,
			VehicleMake:        locked.VehicleMake,
			VehicleModel:       locked.VehicleModel,
			VehicleYear:        locked.VehicleYear,
			DepositAmountCents: *locked.DepositAmount,
			PaymentIntentID:    locked.PaymentIntentID,
			PaymentStatus:      "succeeded",
			Status:             store.JobCreated,
		}
		if err := tx.CreateJob(ctx, newJob); err != nil {
			return err
		}
		if err := audit.New(tx).Record(ctx, "session", locked.ID, "payment_completed", store.ActorSystem, nil, nil); err != nil {
			return err
		}
		if err := audit.New(tx).Record(ctx, "job", newJob.ID, "created", store.ActorSystem, nil,
			map[string]any{"session_id": locked.ID}); err != nil {
			return err
		}
		job = newJob
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.StartDispatch(ctx, job.ID); err != nil {
			e.logger.Warn("dispatch start failed", "job_id", job.ID, "error", err)
		}
	}
	return job, nil
}

// GetSession is a plain read, used by the HTTP surface's status polling.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}
