package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type PayoutStatus string

const (
	PayoutStatusPending     PayoutStatus = "pending"
	PayoutStatusApproved    PayoutStatus = "approved"
	PayoutStatusProcessing  PayoutStatus = "processing"
	PayoutStatusCompleted   PayoutStatus = "completed"
	PayoutStatusFailed      PayoutStatus = "failed"
	PayoutStatusCancelled   PayoutStatus = "cancelled"
	PayoutStatusQuarantined PayoutStatus = "quarantined"
)

// PayoutRequest is created once per request and mutated only through the
// state machine's guarded transitions.
type PayoutRequest struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	AccountID           snowflake.ID `gorm:"not null;index"`
	AmountMicro         int64        `gorm:"not null"`
	FeeMicro            int64        `gorm:"not null"`
	NetAmountMicro      int64        `gorm:"not null"`
	DestinationAddress  string       `gorm:"type:text;not null"`
	DestinationCurrency string       `gorm:"type:text;not null"`
	Status              PayoutStatus `gorm:"type:text;not null;index"`
	ProviderPayoutID    *string      `gorm:"type:text;index"`
	ProviderStatus      *string      `gorm:"type:text"`
	ErrorMessage        *string      `gorm:"type:text"`
	ProcessingAt        *time.Time   `gorm:""`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PayoutRequest) TableName() string { return "payout_requests" }

// TreasuryState is the singleton optimistic lock for treasury-wide
// consistency; every payout completion, failure, or cancellation bumps it.
type TreasuryState struct {
	ID        int64     `gorm:"primaryKey"`
	Version   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TreasuryState) TableName() string { return "treasury_state" }

type providerStatusKind int

const (
	providerStatusFinished providerStatusKind = iota
	providerStatusFailed
	providerStatusOther
)

// ProviderStatus is the closed set of payout statuses a provider can
// report. Anything outside finished/failed is carried verbatim as Other
// and always maps to quarantine; there is no ignore branch.
type ProviderStatus struct {
	kind providerStatusKind
	raw  string
}

func ParseProviderStatus(raw string) ProviderStatus {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch normalized {
	case "finished":
		return ProviderStatus{kind: providerStatusFinished, raw: normalized}
	case "failed":
		return ProviderStatus{kind: providerStatusFailed, raw: normalized}
	default:
		return ProviderStatus{kind: providerStatusOther, raw: strings.TrimSpace(raw)}
	}
}

func (s ProviderStatus) Finished() bool { return s.kind == providerStatusFinished }
func (s ProviderStatus) Failed() bool   { return s.kind == providerStatusFailed }

// Other returns the raw status string for unrecognized statuses.
func (s ProviderStatus) Other() (string, bool) {
	return s.raw, s.kind == providerStatusOther
}

func (s ProviderStatus) String() string { return s.raw }
