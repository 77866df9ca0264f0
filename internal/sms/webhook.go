package sms

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// InboundWebhook is a parsed Twilio-style inbound SMS webhook.
type InboundWebhook struct {
	MessageSid string
	AccountSid string
	From       string
	To         string
	Body       string
	NumMedia   int
	MediaURLs  []string
}

// ParseInboundWebhook reads the form-encoded Twilio webhook fields
// (spec.md §6: MessageSid, From, To, Body).
func ParseInboundWebhook(r *http.Request) (*InboundWebhook, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("sms: parse form: %w", err)
	}
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	req := &InboundWebhook{
		MessageSid: r.FormValue("MessageSid"),
		AccountSid: r.FormValue("AccountSid"),
		From:       r.FormValue("From"),
		To:         r.FormValue("To"),
		Body:       r.FormValue("Body"),
		NumMedia:   numMedia,
	}
	for i := 0; i < numMedia; i++ {
		if u := r.FormValue(fmt.Sprintf("MediaUrl%d", i)); u != "" {
			req.MediaURLs = append(req.MediaURLs, u)
		}
	}
	return req, nil
}

// ValidateSignature verifies the X-Twilio-Signature header against the
// request's form parameters and the full webhook URL, per Twilio's
// HMAC-SHA1 signing scheme.
func (g *TwilioGateway) ValidateSignature(r *http.Request, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	payload := buildSignaturePayload(webhookURL, r.PostForm)
	expected := computeSignature(payload, g.authToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func buildSignaturePayload(rawURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(rawURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// TwiMLReply renders the XML body for an inbound-webhook HTTP response. An
// empty message produces an empty acknowledgement (no reply SMS sent).
func TwiMLReply(message string) []byte {
	if message == "" {
		return []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
	}
	escaped := xmlEscape(message)
	return []byte(`<?xml version="1.0" encoding="UTF-8"?><Response><Message>` + escaped + `</Message></Response>`)
}

func xmlEscape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(s)
}
