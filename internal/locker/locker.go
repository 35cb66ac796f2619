// Package locker serializes webhook processing per event id across
// processes. The TTL bounds worst-case staleness if a holder crashes
// mid-handler.
package locker

import (
	"context"
	"errors"
	"time"

	"github.com/0xHoneyJar/freeside/internal/kv"
	"github.com/google/uuid"
	"go.uber.org/fx"
)

const (
	// DefaultTTL covers single-step webhook handlers.
	DefaultTTL = 30 * time.Second
	// ExtendedTTL covers multi-step operations (payout completion writes
	// ledger, treasury and event rows).
	ExtendedTTL = 60 * time.Second
)

type Locker struct {
	store kv.Store
}

func New(store kv.Store) *Locker {
	if store == nil {
		return nil
	}
	return &Locker{store: store}
}

// TryLock attempts to take the named lock. The returned token must be
// passed back to Release; releasing with a stale token is a no-op.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.store == nil {
		return "", false, errors.New("lock store not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.store == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.store.CompareAndDelete(ctx, key, token)
}

var Module = fx.Module("locker",
	fx.Provide(New),
)
