// Package sms is the Twilio-style SMS Gateway Adapter (C3 in SPEC_FULL.md):
// outbound sends with retry, inbound webhook parsing and signature
// verification, and TwiML replies.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/josephrent/locksmith-dispatch/pkg/logging"
)

var smsTracer = otel.Tracer("locksmith.internal.sms")

// OutboundMessage is one SMS to send.
type OutboundMessage struct {
	To   string
	From string
	Body string
}

// SendResult carries the gateway's identifier for a sent message, used for
// message logging and later delivery-status correlation.
type SendResult struct {
	ProviderMessageID string
	Status            string
}

// Gateway sends and validates SMS traffic. Two implementations ship, the
// Twilio-style TwilioGateway and the in-memory FakeGateway, and the
// interface keeps internal/dispatch and internal/inbound independent of the
// concrete transport.
type Gateway interface {
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
	ValidateSignature(r *http.Request, webhookURL string) bool
}

// TwilioGateway posts SMS via Twilio's REST API and verifies inbound
// webhook signatures, grounded on the teacher's internal/messaging package.
type TwilioGateway struct {
	accountSID string
	authToken  string
	from       string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTwilioGateway builds a gateway with sane defaults.
func NewTwilioGateway(accountSID, authToken, defaultFrom string, logger *logging.Logger) *TwilioGateway {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioGateway{
		accountSID: accountSID,
		authToken:  authToken,
		from:       defaultFrom,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Send dispatches a single SMS, retrying transient failures with jittered
// backoff. 4xx errors other than 429 are not retried.
func (g *TwilioGateway) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	if g.accountSID == "" || g.authToken == "" {
		return SendResult{}, errors.New("sms: twilio credentials missing")
	}
	if msg.To == "" {
		return SendResult{}, errors.New("sms: to required")
	}
	if msg.From == "" {
		msg.From = g.from
	}
	if msg.From == "" {
		return SendResult{}, errors.New("sms: from required")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return SendResult{}, errors.New("sms: body required")
	}

	ctx, span := smsTracer.Start(ctx, "sms.twilio.send")
	defer span.End()
	span.SetAttributes(attribute.String("locksmith.to", msg.To))

	payload := url.Values{}
	payload.Set("To", msg.To)
	payload.Set("From", msg.From)
	payload.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", g.accountSID)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = err
			break
		}
		req.SetBasicAuth(g.accountSID, g.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := g.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				var parsed struct {
					SID    string `json:"sid"`
					Status string `json:"status"`
				}
				_ = json.Unmarshal(body, &parsed)
				g.logger.Info("sms sent", "to", msg.To, "sid", parsed.SID)
				return SendResult{ProviderMessageID: parsed.SID, Status: parsed.Status}, nil
			}
			lastErr = fmt.Errorf("sms send failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	span.RecordError(lastErr)
	return SendResult{}, lastErr
}
