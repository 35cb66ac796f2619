package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DefaultPool is used when a caller does not scope an operation to a pool.
const DefaultPool = "default"

type LotSourceType string

const (
	SourceTypePurchase   LotSourceType = "purchase"
	SourceTypePromo      LotSourceType = "promo"
	SourceTypeSettlement LotSourceType = "referral_settlement"
	SourceTypeAdjustment LotSourceType = "adjustment"
)

type ReservationStatus string

const (
	ReservationStatusOpen      ReservationStatus = "open"
	ReservationStatusFinalized ReservationStatus = "finalized"
	ReservationStatusReleased  ReservationStatus = "released"
)

type LedgerEntryType string

const (
	EntryTypeDeposit       LedgerEntryType = "deposit"
	EntryTypeReserve       LedgerEntryType = "reserve"
	EntryTypeFinalize      LedgerEntryType = "finalize"
	EntryTypeRelease       LedgerEntryType = "release"
	EntryTypeEscrow        LedgerEntryType = "escrow"
	EntryTypeEscrowRelease LedgerEntryType = "escrow_release"
	EntryTypeEscrowReturn  LedgerEntryType = "escrow_return"
	EntryTypeEscrowCancel  LedgerEntryType = "escrow_cancel"
)

// escrowFamily are the entry types whose running sum is the amount
// currently held for in-flight payouts.
var escrowFamily = []LedgerEntryType{
	EntryTypeEscrow,
	EntryTypeEscrowRelease,
	EntryTypeEscrowReturn,
	EntryTypeEscrowCancel,
}

func EscrowFamily() []LedgerEntryType {
	out := make([]LedgerEntryType, len(escrowFamily))
	copy(out, escrowFamily)
	return out
}

// CreditAccount is created on first interaction and never deleted.
type CreditAccount struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	EntityType string       `gorm:"type:text;not null;uniqueIndex:ux_credit_accounts_entity,priority:1"`
	EntityID   string       `gorm:"type:text;not null;uniqueIndex:ux_credit_accounts_entity,priority:2"`
	KYCLevel   int          `gorm:"not null;default:0"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditLot is a discrete mint of credit with independent sub-balances.
// Invariant: OriginalMicro == AvailableMicro + ReservedMicro + ConsumedMicro.
type CreditLot struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	AccountID      snowflake.ID      `gorm:"not null;index:ix_credit_lots_account_pool,priority:1"`
	PoolID         string            `gorm:"type:text;not null;index:ix_credit_lots_account_pool,priority:2"`
	OriginalMicro  int64             `gorm:"not null"`
	AvailableMicro int64             `gorm:"not null"`
	ReservedMicro  int64             `gorm:"not null;default:0"`
	ConsumedMicro  int64             `gorm:"not null;default:0"`
	SourceType     LotSourceType     `gorm:"type:text;not null"`
	Meta           datatypes.JSONMap `gorm:"type:jsonb"`
	ExpiresAt      *time.Time        `gorm:""`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditLot) TableName() string { return "credit_lots" }

// Reservation is a hold against one or more lots pending finalization.
type Reservation struct {
	ID                   snowflake.ID      `gorm:"primaryKey"`
	AccountID            snowflake.ID      `gorm:"not null;index"`
	PoolID               string            `gorm:"type:text;not null"`
	AmountMicro          int64             `gorm:"not null"`
	BillingMode          string            `gorm:"type:text;not null"`
	Status               ReservationStatus `gorm:"type:text;not null"`
	ActualCostMicro      *int64            `gorm:""`
	SurplusReleasedMicro int64             `gorm:"not null;default:0"`
	OverrunMicro         int64             `gorm:"not null;default:0"`
	FinalizedAt          *time.Time        `gorm:""`
	CreatedAt            time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "credit_reservations" }

// ReservationLot records how much of a reservation is held on each lot.
type ReservationLot struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	ReservationID snowflake.ID `gorm:"not null;index"`
	LotID         snowflake.ID `gorm:"not null;index"`
	AmountMicro   int64        `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ReservationLot) TableName() string { return "credit_reservation_lots" }

// LedgerEntry is an immutable audit row per balance-affecting operation.
// AmountMicro is the signed change to available balance; the deterministic
// idempotency key makes retries no-ops.
type LedgerEntry struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	AccountID      snowflake.ID    `gorm:"not null;index"`
	EntryType      LedgerEntryType `gorm:"type:text;not null;index"`
	AmountMicro    int64           `gorm:"not null"`
	IdempotencyKey string          `gorm:"type:text;not null;uniqueIndex"`
	ReferenceType  string          `gorm:"type:text"`
	ReferenceID    string          `gorm:"type:text"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "credit_ledger" }
