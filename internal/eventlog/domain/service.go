package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Event is the input to Emit. IdempotencyKey dedupes the economic row;
// the legacy row is written unconditionally.
type Event struct {
	Type           EventType
	AggregateType  string
	AggregateID    string
	CausationID    string
	IdempotencyKey string
	Payload        map[string]any
	OccurredAt     time.Time
}

// LegacyEvent is the input to EmitLegacyOnly, for event types that have no
// economic counterpart.
type LegacyEvent struct {
	Type          LegacyEventType
	AggregateType string
	AggregateID   string
	CausationID   string
	Payload       map[string]any
	OccurredAt    time.Time
}

// Query filters GetEventsForAggregate. Types narrows to a subset of legacy
// tags; Before excludes events at or after the timestamp.
type Query struct {
	Types  []LegacyEventType
	Before *time.Time
}

// Service is the append-only event log. There is deliberately no update or
// delete method: the only write path is insertion, and the database
// additionally rejects mutation with triggers.
type Service interface {
	// Emit writes one event. When tx is non-nil the write participates in
	// that transaction and disappears with it on rollback.
	Emit(ctx context.Context, tx *gorm.DB, event Event) error
	// EmitLegacyOnly writes only the legacy table, for types with no
	// economic counterpart.
	EmitLegacyOnly(ctx context.Context, tx *gorm.DB, event LegacyEvent) error
	// GetEventsForAggregate returns an aggregate's events in insertion
	// order from the legacy table (the system of record during migration).
	GetEventsForAggregate(ctx context.Context, aggregateType, aggregateID string, q Query) ([]BillingEvent, error)
	// GetBalanceAtTime reconstructs an account/pool balance by replaying
	// signed deltas through the given timestamp inclusive.
	GetBalanceAtTime(ctx context.Context, accountID, poolID string, at time.Time) (int64, error)
}
