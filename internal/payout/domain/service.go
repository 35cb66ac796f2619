package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidAmount       = errors.New("invalid_payout_amount")
	ErrInvalidDestination  = errors.New("invalid_payout_destination")
	ErrInsufficientBalance = errors.New("insufficient_withdrawable_balance")
	ErrNotFound            = errors.New("payout_not_found")
	ErrTreasuryConflict    = errors.New("treasury_version_conflict")
)

type CreateRequestInput struct {
	AccountID           snowflake.ID
	AmountMicro         int64
	FeeMicro            int64
	DestinationAddress  string
	DestinationCurrency string
}

// TransitionResult reports a guarded transition. A rejected guard is not
// an error: Success is false and the row is untouched.
type TransitionResult struct {
	Success bool
	From    PayoutStatus
	To      PayoutStatus
	Reason  string
}

type ReconcileResult struct {
	Checked     int
	Quarantined int
	Failed      int
}

type Service interface {
	CreateRequest(ctx context.Context, input CreateRequestInput) (*PayoutRequest, error)
	// Approve places the idempotent escrow hold and moves pending to
	// approved.
	Approve(ctx context.Context, payoutID snowflake.ID) (TransitionResult, error)
	MarkProcessing(ctx context.Context, payoutID snowflake.ID, providerPayoutID string) (TransitionResult, error)
	Complete(ctx context.Context, payoutID snowflake.ID) (TransitionResult, error)
	Fail(ctx context.Context, payoutID snowflake.ID, reason string) (TransitionResult, error)
	// Cancel is allowed from pending or approved only.
	Cancel(ctx context.Context, payoutID snowflake.ID) (TransitionResult, error)
	// Quarantine parks a processing payout for manual review; escrow
	// remains held.
	Quarantine(ctx context.Context, payoutID snowflake.ID, providerStatus string) (TransitionResult, error)
	// ApplyProviderStatus maps a provider-reported status onto a
	// transition for the payout carrying that provider id.
	ApplyProviderStatus(ctx context.Context, providerPayoutID string, status ProviderStatus) (TransitionResult, error)
	// Reconcile sweeps payouts stalled in processing past the staleness
	// threshold.
	Reconcile(ctx context.Context) (ReconcileResult, error)
	GetRequest(ctx context.Context, payoutID snowflake.ID) (*PayoutRequest, error)
	TreasuryVersion(ctx context.Context) (int64, error)
}
