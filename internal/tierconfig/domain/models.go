package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TierConfig is one community's tier layout, versioned for optimistic
// concurrency. Tiers holds the ordered tier definitions as JSON.
type TierConfig struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	CommunityID string         `gorm:"type:text;not null;uniqueIndex"`
	Version     int64          `gorm:"not null"`
	Tiers       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TierConfig) TableName() string { return "tier_configs" }

// TierDefinition is one entry in the stored tier list. Index is the
// privilege rank: lower is more privileged.
type TierDefinition struct {
	ID         string `json:"id"`
	Index      int    `json:"index"`
	Name       string `json:"name"`
	PriceMicro int64  `json:"price_micro"`
}
