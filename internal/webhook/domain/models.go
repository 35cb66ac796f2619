package domain

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent is the durable replay guard: one row per (provider, event id)
// pair, inserted when processing completes.
type WebhookEvent struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	Provider   string         `gorm:"type:text;not null;uniqueIndex:idx_webhook_provider_event"`
	EventID    string         `gorm:"type:text;not null;uniqueIndex:idx_webhook_provider_event"`
	EventType  string         `gorm:"type:text;not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb"`
	ReceivedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }

type ProcessStatus string

const (
	// StatusProcessed means the handler ran and applied its effect.
	StatusProcessed ProcessStatus = "processed"
	// StatusSkipped acknowledges an event type with no handler.
	StatusSkipped ProcessStatus = "skipped"
	// StatusDuplicate covers lock contention and both replay guards.
	StatusDuplicate ProcessStatus = "duplicate"
	// StatusStale rejects events older than the freshness window.
	StatusStale ProcessStatus = "stale"
	// StatusFailed means the handler errored; the event is still
	// acknowledged so the provider does not retry-storm.
	StatusFailed ProcessStatus = "failed"
	// StatusRejected means the signature did not verify. The only status
	// the endpoint refuses outright.
	StatusRejected ProcessStatus = "rejected"
)

type ProcessResult struct {
	Status  ProcessStatus
	Reason  string
	EventID string
}
