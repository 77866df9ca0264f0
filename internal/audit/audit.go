// Package audit is the Audit Log (C10 in SPEC_FULL.md): a single call site
// through which every state-transitioning mutation records an append-only
// AuditEvent (spec.md §4.9, invariant 4).
package audit

import (
	"context"

	"github.com/josephrent/locksmith-dispatch/internal/store"
)

// Inserter is the store method audit.Log depends on, kept narrow so
// callers can substitute a fake in tests without standing up a full Store.
type Inserter interface {
	InsertAuditEvent(ctx context.Context, e *store.AuditEvent) error
}

// Log records AuditEvents. It has no behavior beyond persistence: the
// structural constraint of funneling every transition through Record is
// what enforces "exactly one AuditEvent per mutation", not anything Log
// itself validates.
type Log struct {
	store Inserter
}

// New wraps a store (or a transaction-scoped store, so the audit event
// commits atomically with the mutation it records).
func New(s Inserter) *Log {
	return &Log{store: s}
}

// Record appends one AuditEvent. payload is free-form (spec.md §4.9).
func (l *Log) Record(ctx context.Context, entityType, entityID, eventType string, actorType store.ActorType, actorEmail *string, payload map[string]any) error {
	return l.store.InsertAuditEvent(ctx, &store.AuditEvent{
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		ActorType:  actorType,
		ActorEmail: actorEmail,
		Payload:    payload,
	})
}
