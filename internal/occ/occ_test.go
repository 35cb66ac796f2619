package occ

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectedVersionPrecedence(t *testing.T) {
	body := map[string]any{"expectedVersion": float64(3), "version": float64(7)}

	v, ok := ExpectedVersion("5", body)
	require.True(t, ok)
	assert.Equal(t, int64(5), v, "header wins over body")

	v, ok = ExpectedVersion("", body)
	require.True(t, ok)
	assert.Equal(t, int64(3), v, "expectedVersion wins over version")

	v, ok = ExpectedVersion("", map[string]any{"version": float64(7)})
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	_, ok = ExpectedVersion("", map[string]any{})
	assert.False(t, ok)

	_, ok = ExpectedVersion("", nil)
	assert.False(t, ok)
}

func TestExpectedVersionRejectsMalformedValues(t *testing.T) {
	_, ok := ExpectedVersion("abc", nil)
	assert.False(t, ok)

	_, ok = ExpectedVersion("-1", nil)
	assert.False(t, ok)

	_, ok = ExpectedVersion("", map[string]any{"expectedVersion": float64(2.5)})
	assert.False(t, ok, "fractional versions are not versions")

	v, ok := ExpectedVersion("", map[string]any{"expectedVersion": "12"})
	require.True(t, ok)
	assert.Equal(t, int64(12), v, "string-encoded versions are accepted")
}

func TestCheckVersionConflictCarriesBothVersions(t *testing.T) {
	require.NoError(t, CheckVersion(4, 4, "srv-1"))

	err := CheckVersion(4, 3, "srv-1")
	require.Error(t, err)

	var conflict *VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(4), conflict.CurrentVersion)
	assert.Equal(t, int64(3), conflict.YourVersion)
	assert.Equal(t, "srv-1", conflict.ServerID)
}

func TestFenceTiersBlocksMorePrivilegedTargets(t *testing.T) {
	targets := []Tier{
		{ID: "tier-admin", Index: 0},
		{ID: "tier-mod", Index: 1},
		{ID: "tier-member", Index: 2},
	}

	err := FenceTiers(1, targets)
	require.Error(t, err)

	var violation *ScopeViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, []string{"tier-admin"}, violation.BlockedTiers)

	assert.NoError(t, FenceTiers(0, targets), "top tier may target everything")
	assert.NoError(t, FenceTiers(1, targets[1:]), "own tier and below are allowed")
	assert.NoError(t, FenceTiers(1, nil))
}
