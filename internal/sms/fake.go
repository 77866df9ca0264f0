package sms

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// FakeGateway records sends in memory instead of calling out, for local
// development and tests when SMS_ACCOUNT is unset.
type FakeGateway struct {
	mu   sync.Mutex
	Sent []OutboundMessage
}

// NewFakeGateway returns a gateway that never touches the network.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{}
}

func (g *FakeGateway) Send(_ context.Context, msg OutboundMessage) (SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Sent = append(g.Sent, msg)
	return SendResult{ProviderMessageID: "FAKE" + uuid.NewString(), Status: "sent"}, nil
}

func (g *FakeGateway) ValidateSignature(_ *http.Request, _ string) bool {
	return true
}
