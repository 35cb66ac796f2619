package domain

import "errors"

var (
	ErrInvalidEventType     = errors.New("invalid_event_type")
	ErrInvalidAggregate     = errors.New("invalid_aggregate")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrMissingIdempotency = errors.New("missing_idempotency_key")

	// ErrHasLegacyCounterpart rejects EmitLegacyOnly for a type that maps
	// into the economic vocabulary; those must go through Emit so both
	// tables stay in step.
	ErrHasLegacyCounterpart = errors.New("event_type_has_legacy_counterpart")

	// ErrAppendOnlyViolation surfaces the storage trigger that rejects
	// UPDATE/DELETE on event tables. Seeing it means a programming error
	// upstream, not a recoverable condition.
	ErrAppendOnlyViolation = errors.New("append_only_violation")
)
