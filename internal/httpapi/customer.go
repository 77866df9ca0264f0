package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/internal/objectstore"
	"github.com/josephrent/locksmith-dispatch/internal/session"
	"github.com/josephrent/locksmith-dispatch/internal/store"
	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

// CustomerHandler implements the customer-facing funnel endpoints
// (spec.md §6): request start through job creation, plus status polling.
type CustomerHandler struct {
	engine  *session.Engine
	store   *store.Store
	objects *objectstore.Store
	logger  *logging.Logger
}

// NewCustomerHandler wires the funnel HTTP surface to its collaborators.
// objects may be nil, in which case the photo upload route is disabled.
func NewCustomerHandler(engine *session.Engine, s *store.Store, objects *objectstore.Store, logger *logging.Logger) *CustomerHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CustomerHandler{engine: engine, store: s, objects: objects, logger: logger}
}

type startSessionRequest struct {
	UTMParams map[string]string `json:"utm_params,omitempty"`
	Referrer  string            `json:"referrer,omitempty"`
}

type sessionResponse struct {
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	StepReached     int     `json:"step_reached"`
	IsInServiceArea *bool   `json:"is_in_service_area,omitempty"`
	City            *string `json:"city,omitempty"`
	DepositAmount   *int    `json:"deposit_amount_cents,omitempty"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	return sessionResponse{
		SessionID:       sess.ID,
		Status:          string(sess.Status),
		StepReached:     sess.StepReached,
		IsInServiceArea: sess.IsInServiceArea,
		City:            sess.City,
		DepositAmount:   sess.DepositAmount,
	}
}

// StartSession handles POST /request/start.
func (h *CustomerHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	sess, err := h.engine.CreateSession(r.Context(), session.CreateSessionRequest{
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
		Referrer:  req.Referrer,
		UTMParams: req.UTMParams,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

type locationRequest struct {
	CustomerName  string   `json:"customer_name"`
	CustomerPhone string   `json:"customer_phone"`
	CustomerEmail *string  `json:"customer_email,omitempty"`
	Address       *string  `json:"address,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

// SubmitLocation handles POST /request/{id}/location.
func (h *CustomerHandler) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	sess, err := h.engine.ValidateLocation(r.Context(), sessionID, session.LocationRequest{
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		Address:       req.Address,
		Latitude:      req.Latitude,
		Longitude:     req.Longitude,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, toSessionResponse(sess))
}

type serviceRequest struct {
	ServiceType  string  `json:"service_type"`
	Urgency      string  `json:"urgency"`
	Description  *string `json:"description,omitempty"`
	VehicleMake  *string `json:"vehicle_make,omitempty"`
	VehicleModel *string `json:"vehicle_model,omitempty"`
	VehicleYear  *int    `json:"vehicle_year,omitempty"`
}

// SelectService handles POST /request/{id}/service.
func (h *CustomerHandler) SelectService(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var req serviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	sess, err := h.engine.SelectService(r.Context(), sessionID, session.ServiceRequest{
		ServiceType:  store.ServiceType(req.ServiceType),
		Urgency:      store.Urgency(req.Urgency),
		Description:  req.Description,
		VehicleMake:  req.VehicleMake,
		VehicleModel: req.VehicleModel,
		VehicleYear:  req.VehicleYear,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, toSessionResponse(sess))
}

// UploadPhoto handles POST /request/{id}/photo (multipart form, field
// "photo"), storing the image and a Photo row referencing the session.
func (h *CustomerHandler) UploadPhoto(w http.ResponseWriter, r *http.Request) {
	if h.objects == nil {
		jsonError(w, "photo upload not configured", http.StatusServiceUnavailable)
		return
	}
	sessionID := chi.URLParam(r, "id")
	if _, err := h.store.GetSession(r.Context(), sessionID); err != nil {
		writeErr(w, err)
		return
	}

	if err := r.ParseMultipartForm(12 << 20); err != nil {
		jsonError(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("photo")
	if err != nil {
		jsonError(w, "photo field required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, 11<<20))
	if err != nil {
		jsonError(w, "failed to read upload", http.StatusBadRequest)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	photo := &store.Photo{
		SessionID:   &sessionID,
		Source:      store.PhotoWebUpload,
		ContentType: contentType,
		ByteCount:   int64(len(data)),
	}
	photo.ID = uuid.NewString()
	key := h.objects.DeriveKey(photo.ID, sessionID, "")
	photo.Bucket = key

	if err := h.objects.Upload(r.Context(), key, contentType, data); err != nil {
		h.logger.Warn("photo upload failed", "session_id", sessionID, "error", err)
		jsonError(w, "failed to store photo", http.StatusBadGateway)
		return
	}
	if err := h.store.CreatePhoto(r.Context(), photo); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"photo_id": photo.ID})
}

// CreatePaymentIntent handles POST /request/{id}/payment-intent.
func (h *CustomerHandler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	intent, err := h.engine.RequestPayment(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, map[string]string{
		"client_secret":     intent.ClientSecret,
		"payment_intent_id": intent.IntentID,
	})
}

// CompleteSession handles POST /request/{id}/complete: confirms payment and
// promotes the session into a dispatched Job (the Job Factory).
func (h *CustomerHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	job, err := h.engine.Complete(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

// GetSession handles GET /request/{id}.
func (h *CustomerHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	sess, err := h.engine.GetSession(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 0, toSessionResponse(sess))
}

type offerResponse struct {
	ID                  string  `json:"id"`
	ProviderName        string  `json:"provider_name"`
	ProviderPhone       string  `json:"provider_phone"`
	Status              string  `json:"status"`
	QuotedPriceCents    *int    `json:"quoted_price_cents,omitempty"`
	QuotedPriceDisplay  *string `json:"quoted_price_display,omitempty"`
	SentAt              string  `json:"sent_at"`
	RespondedAt         *string `json:"responded_at,omitempty"`
}

// ListOffers handles GET /request/{id}/offers: the session's quote board.
func (h *CustomerHandler) ListOffers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	offers, err := h.store.ListOffersBySession(r.Context(), sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		provider, err := h.store.GetProvider(r.Context(), o.ProviderID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			writeErr(w, err)
			return
		}
		resp := offerResponse{
			ID:            o.ID,
			ProviderName:  provider.DisplayName,
			ProviderPhone: provider.Phone,
			Status:        string(o.Status),
			SentAt:        o.SentAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if o.QuotedPriceCents != nil {
			resp.QuotedPriceCents = o.QuotedPriceCents
			display := formatCents(*o.QuotedPriceCents)
			resp.QuotedPriceDisplay = &display
		}
		if o.RespondedAt != nil {
			s := o.RespondedAt.Format("2006-01-02T15:04:05Z07:00")
			resp.RespondedAt = &s
		}
		out = append(out, resp)
	}
	writeJSON(w, 0, out)
}

func formatCents(cents int) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
