// Package kv is the shared key-value store used for distributed locks and
// volatile processed-markers. Correctness must not depend on single-process
// deployment, so the store is injected rather than held in package state.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a minimal TTL-aware key-value store.
type Store interface {
	// SetNX sets key to value only if it does not exist. Reports whether
	// the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally writes key with a TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// CompareAndDelete deletes key only if it currently holds value.
	CompareAndDelete(ctx context.Context, key, value string) error
}
