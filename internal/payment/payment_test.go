package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signedHeader(secret string, payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignatureValid(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)
	header := signedHeader("whsec_test", payload, now.Unix())
	require.True(t, verifySignature("whsec_test", payload, header, now))
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)
	header := signedHeader("whsec_test", payload, now.Add(-10*time.Minute).Unix())
	require.False(t, verifySignature("whsec_test", payload, header, now))
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)
	header := signedHeader("whsec_other", payload, now.Unix())
	require.False(t, verifySignature("whsec_test", payload, header, now))
}

func TestVerifySignatureEmptySecretBypasses(t *testing.T) {
	require.True(t, verifySignature("", []byte("anything"), "", time.Now()))
}

func TestFakeAdapterConfirmsCreatedIntent(t *testing.T) {
	ctx := context.Background()
	adapter := NewFakeAdapter()
	intent, err := adapter.CreateIntent(ctx, "sess-1", 4900)
	require.NoError(t, err)
	require.NotEmpty(t, intent.IntentID)

	ok, err := adapter.Confirm(ctx, intent.IntentID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = adapter.Confirm(ctx, "pi_fake_unknown")
	require.NoError(t, err)
	require.False(t, ok)
}
