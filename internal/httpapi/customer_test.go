package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/geocode"
	"github.com/josephrent/locksmith-dispatch/internal/payment"
	"github.com/josephrent/locksmith-dispatch/internal/session"
	"github.com/josephrent/locksmith-dispatch/internal/store"
)

func newTestCustomerHandler(t *testing.T) (*CustomerHandler, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s := store.NewStoreWithQuerier(mock)
	engine := session.NewEngine(s, audit.New(s), geocode.NewDevGeocoder("Laredo"), payment.NewFakeAdapter(), nil, session.Config{
		ServiceAreas:        []string{"laredo"},
		DepositAmountsCents: map[string]int{"home_lockout": 4900},
	}, nil)
	return NewCustomerHandler(engine, s, nil, nil), mock
}

func TestStartSessionCreatesSessionAndReturns201(t *testing.T) {
	h, mock := newTestCustomerHandler(t)
	mock.ExpectExec(`INSERT INTO sessions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	req := httptest.NewRequest(http.MethodPost, "/request/start", strings.NewReader(`{"referrer":"google"}`))
	w := httptest.NewRecorder()

	h.StartSession(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), `"status":"started"`)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionReturns404ForUnknownID(t *testing.T) {
	h, mock := newTestCustomerHandler(t)
	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id = \$1`).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, "/request/does-not-exist", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "does-not-exist")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()

	h.GetSession(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
