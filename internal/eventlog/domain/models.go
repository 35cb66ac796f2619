package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType identifies an entry in the economic event vocabulary.
type EventType string

const (
	EventLotMinted            EventType = "credit.lot_minted"
	EventReservationCreated   EventType = "credit.reservation_created"
	EventReservationFinalized EventType = "credit.reservation_finalized"
	EventReservationReleased  EventType = "credit.reservation_released"

	EventEarningRecorded   EventType = "referral.earning_recorded"
	EventEarningSettled    EventType = "referral.earning_settled"
	EventEarningClawedBack EventType = "referral.earning_clawed_back"

	EventPayoutRequested   EventType = "payout.requested"
	EventPayoutApproved    EventType = "payout.approved"
	EventPayoutProcessing  EventType = "payout.processing"
	EventPayoutCompleted   EventType = "payout.completed"
	EventPayoutFailed      EventType = "payout.failed"
	EventPayoutCancelled   EventType = "payout.cancelled"
	EventPayoutQuarantined EventType = "payout.quarantined"

	// EventTreasuryVersionBumped exists only in the economic vocabulary.
	EventTreasuryVersionBumped EventType = "treasury.version_bumped"
)

// LegacyEventType identifies an entry in the narrower billing_events
// vocabulary, which remains the system of record for aggregate replay
// during the migration window.
type LegacyEventType string

const (
	LegacyLotMinted            LegacyEventType = "lot_minted"
	LegacyReservationCreated   LegacyEventType = "reservation_created"
	LegacyReservationFinalized LegacyEventType = "reservation_finalized"
	LegacyReservationReleased  LegacyEventType = "reservation_released"

	LegacyEarningRecorded   LegacyEventType = "earning_recorded"
	LegacyEarningSettled    LegacyEventType = "earning_settled"
	LegacyEarningClawedBack LegacyEventType = "earning_clawed_back"

	LegacyPayoutRequested   LegacyEventType = "payout_requested"
	LegacyPayoutApproved    LegacyEventType = "payout_approved"
	LegacyPayoutProcessing  LegacyEventType = "payout_processing"
	LegacyPayoutCompleted   LegacyEventType = "payout_completed"
	LegacyPayoutFailed      LegacyEventType = "payout_failed"
	LegacyPayoutCancelled   LegacyEventType = "payout_cancelled"
	LegacyPayoutQuarantined LegacyEventType = "payout_quarantined"

	// LegacyKYCLevelChanged has no economic counterpart yet; it is emitted
	// through EmitLegacyOnly.
	LegacyKYCLevelChanged LegacyEventType = "kyc_level_changed"
)

// legacyByEvent maps each economic event type to its legacy counterpart.
// Emitting a mapped type dual-writes both tables; an unmapped type writes
// the economic table exclusively.
var legacyByEvent = map[EventType]LegacyEventType{
	EventLotMinted:            LegacyLotMinted,
	EventReservationCreated:   LegacyReservationCreated,
	EventReservationFinalized: LegacyReservationFinalized,
	EventReservationReleased:  LegacyReservationReleased,
	EventEarningRecorded:      LegacyEarningRecorded,
	EventEarningSettled:       LegacyEarningSettled,
	EventEarningClawedBack:    LegacyEarningClawedBack,
	EventPayoutRequested:      LegacyPayoutRequested,
	EventPayoutApproved:       LegacyPayoutApproved,
	EventPayoutProcessing:     LegacyPayoutProcessing,
	EventPayoutCompleted:      LegacyPayoutCompleted,
	EventPayoutFailed:         LegacyPayoutFailed,
	EventPayoutCancelled:      LegacyPayoutCancelled,
	EventPayoutQuarantined:    LegacyPayoutQuarantined,
}

// LegacyFor returns the legacy tag for an economic event type, if one exists.
func LegacyFor(t EventType) (LegacyEventType, bool) {
	legacy, ok := legacyByEvent[t]
	return legacy, ok
}

// HasEconomicCounterpart reports whether a legacy type is the mapped half
// of a dual-vocabulary pair.
func HasEconomicCounterpart(t LegacyEventType) bool {
	for _, legacy := range legacyByEvent {
		if legacy == t {
			return true
		}
	}
	return false
}

// Aggregate types used across the engine.
const (
	AggregateCreditAccount = "credit_account"
	AggregateReservation   = "reservation"
	AggregateEarning       = "referrer_earning"
	AggregatePayout        = "payout_request"
	AggregateTreasury      = "treasury"
)

// BillingEvent is a row in the legacy append-only vocabulary. It carries
// no idempotency key: duplicate suppression is the caller's problem here,
// which is why replay stays on this table untouched.
type BillingEvent struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	EventType     LegacyEventType   `gorm:"type:text;not null;index"`
	AggregateType string            `gorm:"type:text;not null;index:ix_billing_events_aggregate,priority:1"`
	AggregateID   string            `gorm:"type:text;not null;index:ix_billing_events_aggregate,priority:2"`
	CausationID   string            `gorm:"type:text"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb;not null"`
	OccurredAt    time.Time         `gorm:"not null;index"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

// EconomicEvent is a row in the broader vocabulary. The idempotency key is
// unique with insert-or-ignore semantics.
type EconomicEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	EventType      EventType         `gorm:"type:text;not null;index"`
	EntityType     string            `gorm:"type:text;not null;index:ix_economic_events_entity,priority:1"`
	EntityID       string            `gorm:"type:text;not null;index:ix_economic_events_entity,priority:2"`
	CausationID    string            `gorm:"type:text"`
	IdempotencyKey string            `gorm:"type:text;not null;uniqueIndex"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb;not null"`
	OccurredAt     time.Time         `gorm:"not null;index"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (EconomicEvent) TableName() string { return "economic_events" }
