package driven

import (
	"context"
	"time"
)

// DistributedLock excludes other instances sharing a token store from
// refreshing the same account at the same time.
type DistributedLock interface {
	// Acquire tries to take name for ttl. Returns false without error when
	// another instance holds it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (acquired bool, err error)

	// Release gives up name. Safe to call when the lock has already expired.
	Release(ctx context.Context, name string) error

	// Extend pushes out the expiry of a lock this instance holds.
	// Advisory-lock backends without expiry treat it as a hold check.
	Extend(ctx context.Context, name string, ttl time.Duration) error

	// Ping checks the lock backend is reachable.
	Ping(ctx context.Context) error
}
