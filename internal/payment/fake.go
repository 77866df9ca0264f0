package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// FakeAdapter simulates a payment provider for local development and tests
// when ALLOW_FAKE_PAYMENTS is set. Every intent auto-confirms.
type FakeAdapter struct {
	mu      sync.Mutex
	intents map[string]bool
}

// NewFakeAdapter returns an adapter that never calls out to a real gateway.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{intents: map[string]bool{}}
}

func (f *FakeAdapter) CreateIntent(_ context.Context, _ string, _ int) (Intent, error) {
	id := "pi_fake_" + uuid.NewString()
	f.mu.Lock()
	f.intents[id] = true
	f.mu.Unlock()
	return Intent{ClientSecret: id + "_secret", IntentID: id}, nil
}

func (f *FakeAdapter) Confirm(_ context.Context, intentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intents[intentID], nil
}

func (f *FakeAdapter) Refund(_ context.Context, _ string, _ *int, _ string) (string, error) {
	return "re_fake_" + uuid.NewString(), nil
}
