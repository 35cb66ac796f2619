package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type MintOptions struct {
	PoolID    string
	ExpiresAt *time.Time
	Meta      map[string]any
	// IdempotencyKey overrides the ledger key for this mint. Settlement
	// derives it from the earning id so re-settling cannot double-credit.
	IdempotencyKey string
}

type ReserveOptions struct {
	BillingMode string
}

type FinalizeResult struct {
	ReservationID        snowflake.ID
	ActualCostMicro      int64
	SurplusReleasedMicro int64
	OverrunMicro         int64
	FinalizedAt          time.Time
}

type Balance struct {
	AvailableMicro int64
	ReservedMicro  int64
}

type HistoryQuery struct {
	Limit     int
	Offset    int
	EntryType LedgerEntryType
}

// EntryInput appends an audit row through the ledger's single insert path.
// Insert-or-ignore on the idempotency key; reports whether the row was new.
type EntryInput struct {
	AccountID      snowflake.ID
	EntryType      LedgerEntryType
	AmountMicro    int64
	IdempotencyKey string
	ReferenceType  string
	ReferenceID    string
}

type Service interface {
	// CreateAccount is idempotent by (entityType, entityID).
	CreateAccount(ctx context.Context, entityType, entityID string, kycLevel int) (*CreditAccount, error)
	MintLot(ctx context.Context, accountID snowflake.ID, amountMicro int64, sourceType LotSourceType, opts MintOptions) (*CreditLot, error)
	Reserve(ctx context.Context, accountID snowflake.ID, poolID string, amountMicro int64, opts ReserveOptions) (*Reservation, error)
	// Finalize moves reserved to consumed up to actualCostMicro and
	// returns any surplus to available. Idempotent: repeat calls return
	// the original result without reapplying.
	Finalize(ctx context.Context, reservationID snowflake.ID, actualCostMicro int64) (FinalizeResult, error)
	// Release returns the full reserved amount to available.
	Release(ctx context.Context, reservationID snowflake.ID) error
	GetBalance(ctx context.Context, accountID snowflake.ID, poolID string) (Balance, error)
	GetHistory(ctx context.Context, accountID snowflake.ID, q HistoryQuery) ([]LedgerEntry, error)

	// AppendEntry is used by the payout engine for escrow bookkeeping.
	// When tx is non-nil the write joins that transaction.
	AppendEntry(ctx context.Context, tx *gorm.DB, entry EntryInput) (bool, error)
	// EscrowedMicro is the net amount currently held for in-flight payouts.
	EscrowedMicro(ctx context.Context, accountID snowflake.ID) (int64, error)
	// PaidOutMicro is the cumulative amount settled out through completed
	// payouts. It never decreases.
	PaidOutMicro(ctx context.Context, accountID snowflake.ID) (int64, error)
}
