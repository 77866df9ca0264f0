// Package httpapi is the HTTP Surface (C11 in SPEC_FULL.md): the customer
// funnel endpoints, the admin console API, and the SMS/payment webhook
// entry points, composed into a single chi router.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
)

// jsonError writes a JSON error body, following the teacher's handler
// convention of one helper call site per failure branch.
func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeJSON writes a 200 JSON body, or the given status if non-zero.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

// statusForError maps the apperr sentinel taxonomy to an HTTP status
// (spec.md §7). Out-of-service-area is deliberately not handled here: it is
// a soft-reject reported as a 200 response body field, not an error status,
// so callers that hit it must branch before reaching writeErr.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, apperr.ErrPreconditionFailed):
		return http.StatusBadRequest, "precondition failed"
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, "validation error"
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict, "job already assigned"
	case errors.Is(err, apperr.ErrExternalPermanent):
		return http.StatusBadRequest, "request rejected"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeErr maps err to its HTTP status and writes a JSON error body, using
// err's own message when it's one of the taxonomy sentinels (wrapped errors
// carry the specific detail, e.g. "validation error: address required").
func writeErr(w http.ResponseWriter, err error) {
	status, fallback := statusForError(err)
	msg := fallback
	if status != http.StatusInternalServerError {
		msg = err.Error()
	}
	jsonError(w, msg, status)
}
