package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/dispatch"
	"github.com/josephrent/locksmith-dispatch/internal/lock"
	"github.com/josephrent/locksmith-dispatch/internal/payment"
	"github.com/josephrent/locksmith-dispatch/internal/sms"
	"github.com/josephrent/locksmith-dispatch/internal/store"
)

func newTestAdminHandler(t *testing.T) (*AdminHandler, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	s := store.NewStoreWithQuerier(mock)
	d := dispatch.New(s, sms.NewFakeGateway(), lock.NewRedisLocker(rc), audit.New(s), dispatch.Config{}, nil)
	return NewAdminHandler(s, d, payment.NewFakeAdapter(), audit.New(s), nil), mock
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func adminJobRows(jobID, providerID uuid.UUID, status store.JobStatus, wave int) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "session_id", "customer_name", "customer_phone", "address", "city", "latitude", "longitude",
		"service_type", "urgency", "description", "vehicle_make", "vehicle_model", "vehicle_year",
		"deposit_amount_cents", "payment_intent_id", "payment_status",
		"refund_amount_cents", "refund_id", "assigned_provider_id", "assigned_at", "status", "current_wave",
		"dispatch_started_at", "created_at", "updated_at",
	}).AddRow(
		jobID.String(), uuid.NewString(), "Dana Ruiz", "+15551234567", "123 Main St", "Laredo", nil, nil,
		string(store.ServiceHomeLockout), string(store.UrgencyStandard), nil, nil, nil, nil,
		int32(4900), nil, "succeeded",
		nil, nil, nil, nil, string(status), int32(wave),
		nil, time.Now(), time.Now(),
	)
}

func TestAssignJobHandlerRequiresProviderID(t *testing.T) {
	h, _ := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/jobs/x/assign", strings.NewReader(`{}`))
	req = withURLParam(req, "id", uuid.NewString())
	w := httptest.NewRecorder()

	h.AssignJob(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAssignJobHandlerAssignsJob(t *testing.T) {
	h, mock := newTestAdminHandler(t)

	jobID := uuid.New()
	providerID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM providers WHERE id = \$1`).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "display_name", "phone", "home_city", "supports_home_lockout",
			"supports_car_lockout", "supports_rekey", "supports_smart_lock", "is_active", "is_available",
			"notes", "onboarded_at", "updated_at",
		}).AddRow(
			providerID.String(), "Dana's Locksmith", "+15551230000", "Laredo", true,
			false, false, false, true, true,
			"", time.Now(), time.Now(),
		))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(adminJobRows(jobID, providerID, store.JobDispatching, 1))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE offers SET status='canceled'`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WillReturnRows(adminJobRows(jobID, providerID, store.JobAssigned, 1))
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WillReturnRows(adminJobRows(jobID, providerID, store.JobAssigned, 1))

	body := `{"provider_id":"` + providerID.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/jobs/x/assign", strings.NewReader(body))
	req = withURLParam(req, "id", jobID.String())
	w := httptest.NewRecorder()

	h.AssignJob(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestControlDispatchHandlerRejectsUnknownAction(t *testing.T) {
	h, _ := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/jobs/x/dispatch-control", strings.NewReader(`{"action":"teleport"}`))
	req = withURLParam(req, "id", uuid.NewString())
	w := httptest.NewRecorder()

	h.ControlDispatch(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControlDispatchHandlerCancelsJob(t *testing.T) {
	h, mock := newTestAdminHandler(t)

	jobID := uuid.New()
	providerID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WillReturnRows(adminJobRows(jobID, providerID, store.JobOffered, 2))
	mock.ExpectExec(`UPDATE offers SET status='canceled'`).WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := httptest.NewRequest(http.MethodPost, "/admin/jobs/x/dispatch-control", strings.NewReader(`{"action":"cancel"}`))
	req = withURLParam(req, "id", jobID.String())
	w := httptest.NewRecorder()

	h.ControlDispatch(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"action":"cancel"`)
	require.NoError(t, mock.ExpectationsWereMet())
}
