// Package apperr defines the sentinel errors shared across the dispatch
// engine, mapped to HTTP status codes at the internal/httpapi boundary.
package apperr

import "errors"

var (
	// ErrNotFound covers session/job/provider/photo/offer lookups that miss.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed is returned when an operation is attempted from
	// a session/job/offer status outside its legal precondition set.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrValidation covers malformed input: bad phone, short address, bad
	// price format, missing vehicle fields for car_lockout, etc.
	ErrValidation = errors.New("validation error")

	// ErrOutOfServiceArea is returned by the Session Engine when the
	// geocoded city is not in the configured service area set. Callers
	// treat this as a soft-reject (200 with is_in_service_area=false), not
	// a hard error.
	ErrOutOfServiceArea = errors.New("out of service area")

	// ErrConflict is returned to the loser of a race, e.g. a second
	// provider accepting an already-assigned job.
	ErrConflict = errors.New("conflict")

	// ErrExternalPermanent covers non-retryable failures of an external
	// collaborator, e.g. an invalid payment webhook signature.
	ErrExternalPermanent = errors.New("external permanent failure")
)
