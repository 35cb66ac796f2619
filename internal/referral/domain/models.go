package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReferrerEarning is a revenue-share credit owed to a referrer, held for
// a cooling-off window before it settles into spendable balance.
// Transitions: recorded -> settled (terminal) or recorded -> clawed_back
// (terminal, only while SettledAt is NULL).
type ReferrerEarning struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	ReferrerAccountID   snowflake.ID `gorm:"not null;index"`
	RefereeAccountID    snowflake.ID `gorm:"not null;index"`
	RegistrationID      string       `gorm:"type:text;not null"`
	ChargeReservationID snowflake.ID `gorm:"not null;index"`
	AmountMicro         int64        `gorm:"not null"`
	ReferrerBps         int          `gorm:"not null"`
	SourceChargeMicro   int64        `gorm:"not null"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	SettleAfter         time.Time    `gorm:"not null;index"`
	SettledAt           *time.Time   `gorm:""`
	ClawbackReason      *string      `gorm:"type:text"`
}

// TableName sets the database table name.
func (ReferrerEarning) TableName() string { return "referrer_earnings" }
