// Package occ implements version-stamped conflict detection for
// caller-supplied mutations, plus the tier scope fence that bounds which
// tiers a caller may target.
package occ

import (
	"fmt"
	"strconv"
	"strings"
)

// HeaderExpectedVersion is the request header carrying the caller's
// expected version. It wins over any body field.
const HeaderExpectedVersion = "x-expected-version"

// VersionConflictError reports a stale caller version together with the
// authoritative current version so the client can refresh and retry.
type VersionConflictError struct {
	CurrentVersion int64
	YourVersion    int64
	ServerID       string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current=%d yours=%d", e.CurrentVersion, e.YourVersion)
}

// ScopeViolationError reports target tiers more privileged than the
// caller's own tier.
type ScopeViolationError struct {
	BlockedTiers []string
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("scope violation: blocked tiers %v", e.BlockedTiers)
}

// ExpectedVersion extracts the caller's expected version. Precedence:
// header, then body "expectedVersion", then body "version". Reports false
// when the caller supplied none.
func ExpectedVersion(headerValue string, body map[string]any) (int64, bool) {
	if v, ok := parseVersion(headerValue); ok {
		return v, true
	}
	if body != nil {
		if v, ok := versionField(body["expectedVersion"]); ok {
			return v, true
		}
		if v, ok := versionField(body["version"]); ok {
			return v, true
		}
	}
	return 0, false
}

// CheckVersion compares the caller's expected version with the current one.
func CheckVersion(current, expected int64, serverID string) error {
	if expected != current {
		return &VersionConflictError{
			CurrentVersion: current,
			YourVersion:    expected,
			ServerID:       serverID,
		}
	}
	return nil
}

// Tier is a target of a configuration mutation. Lower index means more
// privileged.
type Tier struct {
	ID    string
	Index int
}

// FenceTiers rejects any target tier more privileged than the caller's
// own index. The fence is independent of version checking: a privilege
// escalation is denied even when the version matches.
func FenceTiers(callerIndex int, targets []Tier) error {
	var blocked []string
	for _, tier := range targets {
		if tier.Index < callerIndex {
			blocked = append(blocked, tier.ID)
		}
	}
	if len(blocked) > 0 {
		return &ScopeViolationError{BlockedTiers: blocked}
	}
	return nil
}

func parseVersion(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func versionField(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return int64(v), true
	case string:
		return parseVersion(v)
	default:
		return 0, false
	}
}
