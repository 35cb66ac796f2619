package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidEarning = errors.New("invalid_earning")
	ErrInvalidAmount  = errors.New("invalid_earning_amount")
	ErrNotFound       = errors.New("earning_not_found")
)

type RecordEarningInput struct {
	ReferrerAccountID   snowflake.ID
	RefereeAccountID    snowflake.ID
	RegistrationID      string
	ChargeReservationID snowflake.ID
	AmountMicro         int64
	ReferrerBps         int
	SourceChargeMicro   int64
}

type SettleResult struct {
	Checked int
	Settled int
}

type Service interface {
	RecordEarning(ctx context.Context, input RecordEarningInput) (*ReferrerEarning, error)
	// SettleEarnings credits every due earning exactly once; re-running is
	// a no-op for already-settled rows.
	SettleEarnings(ctx context.Context) (SettleResult, error)
	// ClawbackEarning marks an un-settled earning un-settleable. A second
	// call, or a call on a settled earning, is a silent no-op.
	ClawbackEarning(ctx context.Context, earningID snowflake.ID, reason string) error
	GetSettledBalance(ctx context.Context, accountID snowflake.ID) (int64, error)
	// GetWithdrawableBalance is settled total minus live payout escrow
	// minus amounts already paid out.
	GetWithdrawableBalance(ctx context.Context, accountID snowflake.ID) (int64, error)
}
