package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("tier_config_not_found")
	ErrInvalidTiers   = errors.New("invalid_tier_definitions")
	ErrMissingVersion = errors.New("expected_version_required")
)

// UpdateInput carries a guarded tier mutation. ExpectedVersion is the
// caller's view of the row; CallerTierIndex bounds which tiers the caller
// may touch.
type UpdateInput struct {
	CommunityID     string
	CallerTierIndex int
	ExpectedVersion int64
	Tiers           []TierDefinition
}

type Service interface {
	Get(ctx context.Context, communityID string) (*TierConfig, error)
	// Update applies the mutation only when the expected version matches
	// and no target tier outranks the caller. Conflicts surface as
	// occ.VersionConflictError, fence hits as occ.ScopeViolationError.
	Update(ctx context.Context, input UpdateInput) (*TierConfig, error)
}
