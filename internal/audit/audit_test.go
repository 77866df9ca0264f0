package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/josephrent/locksmith-dispatch/internal/store"
)

type fakeInserter struct {
	events []*store.AuditEvent
}

func (f *fakeInserter) InsertAuditEvent(_ context.Context, e *store.AuditEvent) error {
	f.events = append(f.events, e)
	return nil
}

func TestRecordAppendsOneEvent(t *testing.T) {
	fake := &fakeInserter{}
	log := New(fake)

	err := log.Record(context.Background(), "session", "sess-1", "location_validated", store.ActorSystem, nil, map[string]any{"city": "Laredo"})
	require.NoError(t, err)
	require.Len(t, fake.events, 1)
	require.Equal(t, "session", fake.events[0].EntityType)
	require.Equal(t, store.ActorSystem, fake.events[0].ActorType)
	require.Equal(t, "Laredo", fake.events[0].Payload["city"])
}
