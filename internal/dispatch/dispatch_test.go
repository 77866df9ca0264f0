package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/internal/audit"
	"github.com/josephrent/locksmith-dispatch/internal/lock"
	"github.com/josephrent/locksmith-dispatch/internal/sms"
	"github.com/josephrent/locksmith-dispatch/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, pgxmock.PgxPoolIface, *sms.FakeGateway, *miniredis.Miniredis) {
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
	gateway := sms.NewFakeGateway()
	locker := lock.NewRedisLocker(rc)
	d := New(s, gateway, locker, audit.New(s), Config{}, nil)
	return d, mock, gateway, mr
}

func jobRows(jobID, providerID uuid.UUID, status store.JobStatus, wave int) *pgxmock.Rows {
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

func offerRow(offerID uuid.UUID, jobID *uuid.UUID, providerID uuid.UUID, status store.OfferStatus, wave int) *pgxmock.Rows {
	var jobIDVal any
	if jobID != nil {
		jobIDVal = jobID.String()
	}
	return pgxmock.NewRows([]string{
		"id", "session_id", "job_id", "provider_id", "wave_number", "status", "quoted_price_cents",
		"provider_message_id", "sent_at", "responded_at", "expires_at",
	}).AddRow(
		offerID.String(), nil, jobIDVal, providerID.String(), int32(wave), string(status), nil,
		nil, time.Now(), nil, nil,
	)
}

func TestAcceptJobOfferLosesWhenLockAlreadyHeld(t *testing.T) {
	d, mock, _, mr := newTestDispatcher(t)
	ctx := context.Background()

	jobID := uuid.New()
	offerID := uuid.New()
	providerID := uuid.New()

	// A rival holder already has the assignment lock for this job.
	rival := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rival.Close()
	require.NoError(t, rival.SetNX(ctx, assignmentLockKey(jobID.String()), "rival-token", 30*time.Second).Err())

	mock.ExpectQuery(`SELECT .* FROM offers WHERE id = \$1`).
		WillReturnRows(offerRow(offerID, &jobID, providerID, store.OfferPending, 1))
	mock.ExpectExec(`UPDATE offers SET status=\$2`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := d.AcceptOffer(ctx, offerID.String(), nil)
	require.True(t, errors.Is(err, apperr.ErrConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptJobOfferWinsAndAssignsJob(t *testing.T) {
	d, mock, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()

	jobID := uuid.New()
	offerID := uuid.New()
	providerID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM offers WHERE id = \$1`).
		WillReturnRows(offerRow(offerID, &jobID, providerID, store.OfferPending, 1))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1 FOR UPDATE`).
		WillReturnRows(jobRows(jobID, providerID, store.JobOffered, 1))
	mock.ExpectExec(`UPDATE offers SET status=\$2`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE offers SET status='canceled'`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WillReturnRows(jobRows(jobID, providerID, store.JobAssigned, 1))

	err := d.AcceptOffer(ctx, offerID.String(), nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, gateway.Sent, 1)
	require.Contains(t, gateway.Sent[0].Body, "on the way")
}

func TestSendWaveFailsJobWhenNoEligibleProvidersAndNoOutstandingOffers(t *testing.T) {
	d, mock, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()

	jobID := uuid.New()
	providerID := uuid.New()

	mock.ExpectExec(`UPDATE offers SET status='expired'`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WillReturnRows(jobRows(jobID, providerID, store.JobDispatching, 0))
	mock.ExpectQuery(`SELECT .* FROM offers WHERE job_id=\$1`).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "session_id", "job_id", "provider_id", "wave_number", "status", "quoted_price_cents",
			"provider_message_id", "sent_at", "responded_at", "expires_at",
		}))
	mock.ExpectQuery(`SELECT .* FROM providers WHERE`).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "display_name", "phone", "home_city", "supports_home_lockout",
			"supports_car_lockout", "supports_rekey", "supports_smart_lock", "is_active", "is_available",
			"notes", "onboarded_at", "updated_at",
		}))
	mock.ExpectQuery(`count\(\*\)`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "count"}).AddRow(int64(0), int64(0)))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := d.SendWave(ctx, jobID.String())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, gateway.Sent, 1)
	require.Contains(t, gateway.Sent[0].Body, "refunded")
}

func TestAssignJobRejectsInactiveProvider(t *testing.T) {
	d, mock, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	jobID := uuid.New()
	providerID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM providers WHERE id = \$1`).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "display_name", "phone", "home_city", "supports_home_lockout",
			"supports_car_lockout", "supports_rekey", "supports_smart_lock", "is_active", "is_available",
			"notes", "onboarded_at", "updated_at",
		}).AddRow(
			providerID.String(), "Dana's Locksmith", "+15551230000", "Laredo", true,
			false, false, false, false, false,
			"", time.Now(), time.Now(),
		))

	err := d.AssignJob(ctx, jobID.String(), providerID.String())
	require.True(t, errors.Is(err, apperr.ErrPreconditionFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignJobAssignsAndNotifiesProvider(t *testing.T) {
	d, mock, gateway, _ := newTestDispatcher(t)
	ctx := context.Background()

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
		WillReturnRows(jobRows(jobID, providerID, store.JobDispatching, 1))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE offers SET status='canceled'`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WillReturnRows(jobRows(jobID, providerID, store.JobAssigned, 1))

	err := d.AssignJob(ctx, jobID.String(), providerID.String())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, gateway.Sent, 1)
	require.Contains(t, gateway.Sent[0].Body, "assigned to this job directly")
}

func TestAssignJobRejectsAlreadyAssignedJob(t *testing.T) {
	d, mock, _, _ := newTestDispatcher(t)
	ctx := context.Background()

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
		WillReturnRows(jobRows(jobID, providerID, store.JobAssigned, 1))
	mock.ExpectRollback()

	err := d.AssignJob(ctx, jobID.String(), providerID.String())
	require.True(t, errors.Is(err, apperr.ErrPreconditionFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestControlDispatchCancelMarksJobCanceled(t *testing.T) {
	d, mock, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	jobID := uuid.New()
	providerID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WillReturnRows(jobRows(jobID, providerID, store.JobOffered, 2))
	mock.ExpectExec(`UPDATE offers SET status='canceled'`).WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := d.ControlDispatch(ctx, jobID.String(), "cancel")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestControlDispatchRejectsUnknownAction(t *testing.T) {
	d, mock, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	err := d.ControlDispatch(ctx, uuid.NewString(), "teleport")
	require.True(t, errors.Is(err, apperr.ErrValidation))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeclineOfferNoOpWhenJobScopedButWaveStillOpen(t *testing.T) {
	d, mock, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	jobID := uuid.New()
	offerID := uuid.New()
	providerID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM offers WHERE id = \$1`).
		WillReturnRows(offerRow(offerID, &jobID, providerID, store.OfferPending, 1))
	mock.ExpectExec(`UPDATE offers SET status=\$2`).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE id = \$1`).
		WillReturnRows(jobRows(jobID, providerID, store.JobOffered, 1))
	mock.ExpectQuery(`count\(\*\)`).
		WillReturnRows(pgxmock.NewRows([]string{"count", "count"}).AddRow(int64(2), int64(1)))

	err := d.DeclineOffer(ctx, offerID.String())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
