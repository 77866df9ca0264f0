package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/josephrent/locksmith-dispatch/internal/apperr"
	"github.com/josephrent/locksmith-dispatch/internal/store"
)

func TestDepositAmountStandard(t *testing.T) {
	e := &Engine{deposits: map[string]int{"home_lockout": 4900}}
	require.Equal(t, 4900, e.depositAmount(store.ServiceHomeLockout, store.UrgencyStandard))
}

func TestDepositAmountEmergencyRoundsToNearestCent(t *testing.T) {
	e := &Engine{deposits: map[string]int{"smart_lock": 9900}}
	require.Equal(t, 14850, e.depositAmount(store.ServiceSmartLock, store.UrgencyEmergency))
}

func TestSelectServiceRejectsCarLockoutWithoutVehicle(t *testing.T) {
	e := &Engine{}
	_, err := e.SelectService(context.Background(), "sess-1", ServiceRequest{
		ServiceType: store.ServiceCarLockout,
		Urgency:     store.UrgencyStandard,
	})
	require.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestValidateLocationRequiresAddressOrPin(t *testing.T) {
	e := &Engine{}
	_, err := e.ValidateLocation(context.Background(), "sess-1", LocationRequest{
		CustomerName:  "Dana Ruiz",
		CustomerPhone: "+15551234567",
	})
	require.True(t, errors.Is(err, apperr.ErrValidation))
}
