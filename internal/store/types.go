// Package store is the durable relational store (C1 in SPEC_FULL.md):
// sessions, offers, jobs, providers, messages, photos, and audit events,
// with transactional updates and indexed lookups.
package store

import "time"

// SessionStatus is the closed sum of Session lifecycle states (spec.md §3/§4.1).
type SessionStatus string

const (
	SessionStarted            SessionStatus = "started"
	SessionLocationValidated  SessionStatus = "location_validated"
	SessionLocationRejected   SessionStatus = "location_rejected"
	SessionServiceSelected    SessionStatus = "service_selected"
	SessionPendingApproval    SessionStatus = "pending_approval"
	SessionPaymentPending     SessionStatus = "payment_pending"
	SessionPaymentCompleted   SessionStatus = "payment_completed"
	SessionAbandoned          SessionStatus = "abandoned"
)

// ServiceType is the closed sum of services the marketplace offers.
type ServiceType string

const (
	ServiceHomeLockout ServiceType = "home_lockout"
	ServiceCarLockout  ServiceType = "car_lockout"
	ServiceRekey       ServiceType = "rekey"
	ServiceSmartLock   ServiceType = "smart_lock"
)

// Urgency is the closed sum of urgency levels affecting the deposit surcharge.
type Urgency string

const (
	UrgencyStandard  Urgency = "standard"
	UrgencyEmergency Urgency = "emergency"
)

// OfferStatus is the closed sum of Offer lifecycle states (spec.md §3/§4.2).
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
	OfferCanceled OfferStatus = "canceled"
)

// JobStatus is the closed sum of Job lifecycle states (spec.md §3/§4.2).
type JobStatus string

const (
	JobCreated     JobStatus = "created"
	JobDispatching JobStatus = "dispatching"
	JobOffered     JobStatus = "offered"
	JobAssigned    JobStatus = "assigned"
	JobEnRoute     JobStatus = "en_route"
	JobCompleted   JobStatus = "completed"
	JobCanceled    JobStatus = "canceled"
	JobFailed      JobStatus = "failed"
)

// MessageDirection distinguishes outbound SMS from inbound.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

// PhotoSource records whether a photo arrived via the web form or MMS.
type PhotoSource string

const (
	PhotoWebUpload PhotoSource = "web_upload"
	PhotoMMS       PhotoSource = "mms"
)

// ActorType is the closed sum of actors that can produce an AuditEvent.
type ActorType string

const (
	ActorSystem   ActorType = "system"
	ActorAdmin    ActorType = "admin"
	ActorProvider ActorType = "provider"
)

// Provider is a pre-vetted locksmith who transacts exclusively over SMS.
type Provider struct {
	ID                  string
	DisplayName         string
	Phone               string
	HomeCity            string
	SupportsHomeLockout bool
	SupportsCarLockout  bool
	SupportsRekey       bool
	SupportsSmartLock   bool
	IsActive            bool
	IsAvailable         bool
	Notes               string
	OnboardedAt         time.Time
	UpdatedAt           time.Time
}

// Supports reports whether the provider can service the given type.
func (p Provider) Supports(t ServiceType) bool {
	switch t {
	case ServiceHomeLockout:
		return p.SupportsHomeLockout
	case ServiceCarLockout:
		return p.SupportsCarLockout
	case ServiceRekey:
		return p.SupportsRekey
	case ServiceSmartLock:
		return p.SupportsSmartLock
	default:
		return false
	}
}

// Session is the pre-payment funnel state machine (spec.md §3).
type Session struct {
	ID               string
	Status           SessionStatus
	StepReached      int
	CustomerName     string
	CustomerPhone    string
	CustomerEmail    *string
	Address          *string
	City             *string
	Latitude         *float64
	Longitude        *float64
	IsInServiceArea  *bool
	ServiceType      *ServiceType
	Urgency          *Urgency
	Description      *string
	VehicleMake      *string
	VehicleModel     *string
	VehicleYear      *int
	DepositAmount    *int
	PaymentIntentID  *string
	UserAgent        string
	IP               string
	Referrer         string
	UTMParams        map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Offer is one SMS round-trip with one provider (spec.md §3/§4.2).
type Offer struct {
	ID                string
	SessionID         *string
	JobID             *string
	ProviderID        string
	WaveNumber        int
	Status            OfferStatus
	QuotedPriceCents  *int
	ProviderMessageID *string
	SentAt            time.Time
	RespondedAt       *time.Time
	ExpiresAt         *time.Time
}

// Job is the post-payment work unit created by promoting a Session.
type Job struct {
	ID                 string
	SessionID          string
	CustomerName       string
	CustomerPhone      string
	Address            *string
	City               string
	Latitude           *float64
	Longitude          *float64
	ServiceType        ServiceType
	Urgency            Urgency
	Description        *string
	VehicleMake        *string
	VehicleModel       *string
	VehicleYear        *int
	DepositAmountCents int
	PaymentIntentID    *string
	PaymentStatus      string
	RefundAmountCents  *int
	RefundID           *string
	AssignedProviderID *string
	AssignedAt         *time.Time
	Status             JobStatus
	CurrentWave        int
	DispatchStartedAt  *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Message is an append-only record of one SMS in or out.
type Message struct {
	ID                string
	Direction         MessageDirection
	ToPhone           string
	FromPhone         string
	Body              string
	ProviderMessageID *string
	DeliveryStatus    string
	ErrorCode         *string
	ErrorMessage      *string
	JobID             *string
	ProviderID        *string
	CreatedAt         time.Time
}

// Photo references an uploaded image; the object-store key is never
// persisted (spec.md §4.6) — only enough context to reconstruct it.
type Photo struct {
	ID          string
	SessionID   *string
	JobID       *string
	Source      PhotoSource
	Bucket      string
	ContentType string
	ByteCount   int64
	MMSMediaIDs []string
	CreatedAt   time.Time
}

// AuditEvent is an append-only record of a state transition (spec.md §4.9).
type AuditEvent struct {
	ID         string
	EntityType string
	EntityID   string
	EventType  string
	ActorType  ActorType
	ActorEmail *string
	Payload    map[string]any
	CreatedAt  time.Time
}
