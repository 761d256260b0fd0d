package lock

import (
	"context"
	"time"
)

// Locker provides advisory locks keyed by name. Orchestration flows take a
// per-organization lock so concurrent provision/retry/reset calls for the same
// organization cannot race on the connection row.
type Locker interface {
	// TryLock attempts to acquire the lock without blocking. It returns a
	// release token and whether the lock was acquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Release releases the lock if the token still owns it.
	Release(ctx context.Context, key, token string) error
}
