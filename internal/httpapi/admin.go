package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/dispatch"
	"github.com/josephrent/locksmith-dispatch/internal/httpapi/middleware"
	"github.com/josephrent/locksmith-dispatch/internal/payment"
	"github.com/josephrent/locksmith-dispatch/internal/store"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

// AdminHandler implements the admin console API: provider roster
// management and job/session/message oversight (spec.md §6).
type AdminHandler struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	payments   payment.Adapter
	audit      *audit.Log
	logger     *logging.Logger
}

// NewAdminHandler wires the admin HTTP surface to its collaborators.
func NewAdminHandler(s *store.Store, d *dispatch.Dispatcher, payments payment.Adapter, auditLog *audit.Log, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{store: s, dispatcher: d, payments: payments, audit: auditLog, logger: logger}
}

func (h *AdminHandler) actor(r *http.Request) *string {
	email := middleware.ActorEmailFromContext(r.Context())
	if email == "" {
		return nil
	}
	return &email
}

// ListProviders handles GET /admin/locksmiths.
func (h *AdminHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.store.ListProviders(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, providers)
}

type createProviderRequest struct {
	DisplayName         string `json:"display_name"`
	Phone               string `json:"phone"`
	HomeCity            string `json:"home_city"`
	SupportsHomeLockout bool   `json:"supports_home_lockout"`
	SupportsCarLockout  bool   `json:"supports_car_lockout"`
	SupportsRekey       bool   `json:"supports_rekey"`
	SupportsSmartLock   bool   `json:"supports_smart_lock"`
	Notes               string `json:"notes,omitempty"`
}

// CreateProvider handles POST /admin/locksmiths.
func (h *AdminHandler) CreateProvider(w http.ResponseWriter, r *http.Request) {
	var req createProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" || req.Phone == "" {
		jsonError(w, "display_name and phone are required", http.StatusBadRequest)
		return
	}
	p := &store.Provider{
		DisplayName:         req.DisplayName,
		Phone:               req.Phone,
		HomeCity:            req.HomeCity,
		SupportsHomeLockout: req.SupportsHomeLockout,
		SupportsCarLockout:  req.SupportsCarLockout,
		SupportsRekey:       req.SupportsRekey,
		SupportsSmartLock:   req.SupportsSmartLock,
		IsActive:            true,
		IsAvailable:         true,
		Notes:               req.Notes,
	}
	if err := h.store.CreateProvider(r.Context(), p); err != nil {
		writeErr(w, err)
		return
	}
	_ = h.audit.Record(r.Context(), "provider", p.ID, "onboarded", store.ActorAdmin, h.actor(r), nil)
	writeJSON(w, http.StatusCreated, p)
}

// GetProvider handles GET /admin/locksmiths/{id}.
func (h *AdminHandler) GetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, p)
}

type updateProviderRequest struct {
	DisplayName         *string `json:"display_name,omitempty"`
	HomeCity            *string `json:"home_city,omitempty"`
	SupportsHomeLockout *bool   `json:"supports_home_lockout,omitempty"`
	SupportsCarLockout  *bool   `json:"supports_car_lockout,omitempty"`
	SupportsRekey       *bool   `json:"supports_rekey,omitempty"`
	SupportsSmartLock   *bool   `json:"supports_smart_lock,omitempty"`
	IsActive            *bool   `json:"is_active,omitempty"`
	IsAvailable         *bool   `json:"is_available,omitempty"`
	Notes               *string `json:"notes,omitempty"`
}

// UpdateProvider handles PUT /admin/locksmiths/{id}.
func (h *AdminHandler) UpdateProvider(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var req updateProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.DisplayName != nil {
		p.DisplayName = *req.DisplayName
	}
	if req.HomeCity != nil {
		p.HomeCity = *req.HomeCity
	}
	if req.SupportsHomeLockout != nil {
		p.SupportsHomeLockout = *req.SupportsHomeLockout
	}
	if req.SupportsCarLockout != nil {
		p.SupportsCarLockout = *req.SupportsCarLockout
	}
	if req.SupportsRekey != nil {
		p.SupportsRekey = *req.SupportsRekey
	}
	if req.SupportsSmartLock != nil {
		p.SupportsSmartLock = *req.SupportsSmartLock
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
		if !p.IsActive {
			p.IsAvailable = false
		}
	}
	if req.IsAvailable != nil && p.IsActive {
		p.IsAvailable = *req.IsAvailable
	}
	if req.Notes != nil {
		p.Notes = *req.Notes
	}
	if err := h.store.UpdateProvider(r.Context(), p); err != nil {
		writeErr(w, err)
		return
	}
	_ = h.audit.Record(r.Context(), "provider", p.ID, "updated", store.ActorAdmin, h.actor(r), nil)
	writeJSON(w, 0, p)
}

// ListJobs handles GET /admin/jobs?status=.
func (h *AdminHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{Status: store.JobStatus(r.URL.Query().Get("status"))}
	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, jobs)
}

// GetJob handles GET /admin/jobs/{id}.
func (h *AdminHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, job)
}

// DispatchJob handles POST /admin/jobs/{id}/dispatch: an operator-triggered
// start of wave assignment for a job still in created status. A job in any
// other status is rejected; restarting an in-flight dispatch goes through
// the dispatch-control "restart" action instead.
func (h *AdminHandler) DispatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if err := h.dispatcher.StartDispatch(r.Context(), jobID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, map[string]string{"status": "dispatch_started"})
}

type assignJobRequest struct {
	ProviderID string `json:"provider_id"`
}

// AssignJob handles POST /admin/jobs/{id}/assign: a manual, SMS-bypassing
// assignment of a specific provider to a job, for when dispatch is stuck
// or a customer called in a preferred locksmith directly.
func (h *AdminHandler) AssignJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req assignJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ProviderID == "" {
		jsonError(w, "provider_id is required", http.StatusBadRequest)
		return
	}
	if err := h.dispatcher.AssignJob(r.Context(), jobID, req.ProviderID); err != nil {
		writeErr(w, err)
		return
	}
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, job)
}

type dispatchControlRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ControlDispatch handles POST /admin/jobs/{id}/dispatch-control: an
// operator override of in-flight wave assignment (restart, next_wave, or
// cancel), distinct from the initial StartDispatch triggered by Job
// creation.
func (h *AdminHandler) ControlDispatch(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	var req dispatchControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := h.dispatcher.ControlDispatch(r.Context(), jobID, req.Action); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, map[string]string{"action": req.Action})
}

// CancelJob handles POST /admin/jobs/{id}/cancel.
func (h *AdminHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.Status == store.JobCompleted || job.Status == store.JobCanceled {
		jsonError(w, "job is already "+string(job.Status), http.StatusBadRequest)
		return
	}
	job.Status = store.JobCanceled
	if err := h.store.UpdateJob(r.Context(), job); err != nil {
		writeErr(w, err)
		return
	}
	_ = h.audit.Record(r.Context(), "job", job.ID, "canceled", store.ActorAdmin, h.actor(r), nil)
	writeJSON(w, 0, job)
}

type refundRequest struct {
	AmountCents *int   `json:"amount_cents,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// RefundJob handles POST /admin/jobs/{id}/refund: a full or partial refund
// of the job's deposit, issued through the Payment Adapter.
func (h *AdminHandler) RefundJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.PaymentIntentID == nil {
		jsonError(w, "job has no payment to refund", http.StatusBadRequest)
		return
	}
	var req refundRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	refundID, err := h.payments.Refund(r.Context(), *job.PaymentIntentID, req.AmountCents, req.Reason)
	if err != nil {
		h.logger.Warn("refund failed", "job_id", jobID, "error", err)
		jsonError(w, "refund failed", http.StatusBadGateway)
		return
	}
	job.RefundID = &refundID
	job.RefundAmountCents = req.AmountCents
	if err := h.store.UpdateJob(r.Context(), job); err != nil {
		writeErr(w, err)
		return
	}
	_ = h.audit.Record(r.Context(), "job", job.ID, "refunded", store.ActorAdmin, h.actor(r),
		map[string]any{"refund_id": refundID, "reason": req.Reason})
	writeJSON(w, 0, job)
}

// ListSessions handles GET /admin/sessions?status=.
func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{Status: store.SessionStatus(r.URL.Query().Get("status"))}
	sessions, err := h.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, sessions)
}

// FunnelStats handles GET /admin/sessions/stats: a count of sessions at
// each funnel status, used by the admin dashboard's conversion view.
func (h *AdminHandler) FunnelStats(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context(), store.SessionFilter{})
	if err != nil {
		writeErr(w, err)
		return
	}
	counts := map[string]int{}
	for _, s := range sessions {
		counts[string(s.Status)]++
	}
	writeJSON(w, 0, map[string]any{"total": len(sessions), "by_status": counts})
}

// ListMessages handles GET /admin/messages?limit=.
func (h *AdminHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	messages, err := h.store.ListMessages(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, messages)
}
