package sms

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateSignatureRoundTrip(t *testing.T) {
	g := NewTwilioGateway("ACxxx", "s3cr3t", "+15551110000", nil)
	webhookURL := "https://example.com/webhooks/sms"

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("From", "+15557654321")
	form.Set("To", "+15551110000")
	form.Set("Body", "Y $75.00")

	payload := buildSignaturePayload(webhookURL, form)
	sig := computeSignature(payload, "s3cr3t")

	req, err := http.NewRequest(http.MethodPost, webhookURL, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)

	require.True(t, g.ValidateSignature(req, webhookURL))
}

func TestValidateSignatureRejectsTamperedBody(t *testing.T) {
	g := NewTwilioGateway("ACxxx", "s3cr3t", "+15551110000", nil)
	webhookURL := "https://example.com/webhooks/sms"

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("Body", "Y $75.00")
	payload := buildSignaturePayload(webhookURL, form)
	sig := computeSignature(payload, "s3cr3t")

	tampered := url.Values{}
	tampered.Set("MessageSid", "SM123")
	tampered.Set("Body", "Y $7500.00")

	req, err := http.NewRequest(http.MethodPost, webhookURL, strings.NewReader(tampered.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sig)

	require.False(t, g.ValidateSignature(req, webhookURL))
}

func TestTwiMLReply(t *testing.T) {
	require.Contains(t, string(TwiMLReply("Thanks!")), "<Message>Thanks!</Message>")
	require.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`, string(TwiMLReply("")))
}

func TestParseInboundWebhook(t *testing.T) {
	form := url.Values{}
	form.Set("MessageSid", "SM1")
	form.Set("From", "+15557654321")
	form.Set("To", "+15551110000")
	form.Set("Body", "N")

	req, err := http.NewRequest(http.MethodPost, "/webhooks/sms", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	parsed, err := ParseInboundWebhook(req)
	require.NoError(t, err)
	require.Equal(t, "SM1", parsed.MessageSid)
	require.Equal(t, "N", parsed.Body)
}
