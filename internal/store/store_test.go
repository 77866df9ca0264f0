package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
)

func TestCreateAndGetSession(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewStoreWithQuerier(mock)
	sess := &Session{
		CustomerName:  "Dana Ruiz",
		CustomerPhone: "+15551234567",
	}

	mock.ExpectExec(`INSERT INTO sessions`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.CreateSession(context.Background(), sess))
	require.NotEmpty(t, sess.ID)
	require.Equal(t, SessionStarted, sess.Status)
	require.Equal(t, 1, sess.StepReached)

	id := uuid.New()
	rows := pgxmock.NewRows([]string{
		"id", "status", "step_reached", "customer_name", "customer_phone", "customer_email",
		"address", "city", "latitude", "longitude", "is_in_service_area", "service_type", "urgency",
		"description", "vehicle_make", "vehicle_model", "vehicle_year", "deposit_amount_cents",
		"payment_intent_id", "user_agent", "ip", "referrer", "utm_params", "created_at", "updated_at",
		"completed_at",
	}).AddRow(
		id.String(), string(SessionPendingApproval), int32(2), "Dana Ruiz", "+15551234567", nil,
		"123 Main St", "Laredo", nil, nil, true, "home_lockout", "standard",
		nil, nil, nil, nil, int32(4900),
		nil, "", "", "", []byte("{}"), time.Now(), time.Now(),
		nil,
	)
	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id = \$1`).WillReturnRows(rows)

	got, err := s.GetSession(context.Background(), id.String())
	require.NoError(t, err)
	require.Equal(t, id.String(), got.ID)
	require.Equal(t, SessionPendingApproval, got.Status)
	require.NotNil(t, got.ServiceType)
	require.Equal(t, ServiceHomeLockout, *got.ServiceType)
	require.NotNil(t, got.DepositAmount)
	require.Equal(t, 4900, *got.DepositAmount)
}

func TestGetSessionNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewStoreWithQuerier(mock)
	mock.ExpectQuery(`SELECT .* FROM sessions WHERE id = \$1`).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "step_reached", "customer_name", "customer_phone", "customer_email",
			"address", "city", "latitude", "longitude", "is_in_service_area", "service_type", "urgency",
			"description", "vehicle_make", "vehicle_model", "vehicle_year", "deposit_amount_cents",
			"payment_intent_id", "user_agent", "ip", "referrer", "utm_params", "created_at", "updated_at",
			"completed_at",
		}))

	_, err = s.GetSession(context.Background(), uuid.NewString())
	require.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestAlreadyProcessedAndMarkProcessed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewStoreWithQuerier(mock)

	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(
		pgxmock.NewRows([]string{"exists"}).AddRow(false))
	ok, err := s.AlreadyProcessed(context.Background(), "stripe", "evt_123")
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec(`INSERT INTO processed_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.MarkProcessed(context.Background(), "stripe", "evt_123"))
}

func TestListOffersByJob(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewStoreWithQuerier(mock)
	jobID := uuid.New()
	providerID := uuid.New()
	offerID := uuid.New()

	rows := pgxmock.NewRows([]string{
		"id", "session_id", "job_id", "provider_id", "wave_number", "status", "quoted_price_cents",
		"provider_message_id", "sent_at", "responded_at", "expires_at",
	}).AddRow(
		offerID.String(), nil, jobID.String(), providerID.String(), int32(1), string(OfferPending), nil,
		nil, time.Now(), nil, nil,
	)
	mock.ExpectQuery(`SELECT .* FROM offers WHERE job_id=\$1`).WillReturnRows(rows)

	offers, err := s.ListOffersByJob(context.Background(), jobID.String())
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, jobID.String(), *offers[0].JobID)
	require.Nil(t, offers[0].SessionID)
	require.Equal(t, OfferPending, offers[0].Status)
}
