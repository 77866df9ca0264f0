// Package payment is the Stripe-style Payment Adapter (C4 in SPEC_FULL.md):
// deposit intent creation, confirmation, refunds, and signed webhook
// dispatch. Grounded on the teacher's internal/payments package.
package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

var paymentTracer = otel.Tracer("locksmith.internal.payment")

// Intent is the result of creating a deposit payment intent.
type Intent struct {
	ClientSecret string
	IntentID     string
}

// Adapter creates and confirms deposit payments and issues refunds.
// Writes audit events via the caller; it does not itself advance session
// or job state machines (spec.md §4.8).
type Adapter interface {
	CreateIntent(ctx context.Context, sessionID string, amountCents int) (Intent, error)
	Confirm(ctx context.Context, intentID string) (bool, error)
	Refund(ctx context.Context, paymentIntentID string, amountCents *int, reason string) (refundID string, err error)
}

// StripeAdapter implements Adapter against a Stripe-compatible REST API.
type StripeAdapter struct {
	secretKey  string
	httpClient *http.Client
	logger     *logging.Logger
	apiBase    string
}

// NewStripeAdapter builds an adapter. apiBase defaults to Stripe's
// production API and is overridable for tests.
func NewStripeAdapter(secretKey string, logger *logging.Logger) *StripeAdapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeAdapter{
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		apiBase:    "https://api.stripe.com/v1",
	}
}

// WithAPIBase overrides the API base URL, used by tests to point at a
// local fixture server.
func (a *StripeAdapter) WithAPIBase(base string) *StripeAdapter {
	a.apiBase = strings.TrimRight(base, "/")
	return a
}

type stripePaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreateIntent creates a PaymentIntent for the session's deposit amount.
func (a *StripeAdapter) CreateIntent(ctx context.Context, sessionID string, amountCents int) (Intent, error) {
	if a.secretKey == "" {
		return Intent{}, errors.New("payment: stripe secret key missing")
	}
	ctx, span := paymentTracer.Start(ctx, "payment.stripe.create_intent")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.session_id", sessionID), attribute.Int("locksmith.amount_cents", amountCents))

	form := url.Values{}
	form.Set("amount", strconv.Itoa(amountCents))
	form.Set("currency", "usd")
	form.Set("metadata[session_id]", sessionID)

	var parsed stripePaymentIntent
	if err := a.post(ctx, "/payment_intents", form, &parsed); err != nil {
		span.RecordError(err)
		return Intent{}, err
	}
	return Intent{ClientSecret: parsed.ClientSecret, IntentID: parsed.ID}, nil
}

// Confirm reports whether the given intent has succeeded.
func (a *StripeAdapter) Confirm(ctx context.Context, intentID string) (bool, error) {
	ctx, span := paymentTracer.Start(ctx, "payment.stripe.confirm")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/payment_intents/"+intentID, nil)
	if err != nil {
		return false, err
	}
	req.SetBasicAuth(a.secretKey, "")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("payment: confirm failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		span.RecordError(err)
		return false, err
	}
	var parsed stripePaymentIntent
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, err
	}
	return parsed.Status == "succeeded", nil
}

type stripeRefund struct {
	ID string `json:"id"`
}

// Refund issues a full or partial refund for a completed payment.
func (a *StripeAdapter) Refund(ctx context.Context, paymentIntentID string, amountCents *int, reason string) (string, error) {
	ctx, span := paymentTracer.Start(ctx, "payment.stripe.refund")
	defer span.End()

	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)
	if amountCents != nil {
		form.Set("amount", strconv.Itoa(*amountCents))
	}
	if reason != "" {
		form.Set("reason", reason)
	}

	var parsed stripeRefund
	if err := a.post(ctx, "/refunds", form, &parsed); err != nil {
		span.RecordError(err)
		return "", err
	}
	return parsed.ID, nil
}

func (a *StripeAdapter) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.secretKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("payment: request to %s failed: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// verifySignature implements Stripe's t=...,v1=... timestamped HMAC-SHA256
// webhook signature scheme with a 300 second tolerance window. An empty
// secret is treated as "verification disabled", matching the teacher's
// development bypass.
func verifySignature(secret string, payload []byte, header string, now time.Time) bool {
	if secret == "" {
		return true
	}
	var timestamp, v1 string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			v1 = kv[1]
		}
	}
	if timestamp == "" || v1 == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if abs64(now.Unix()-ts) > 300 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(v1))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
