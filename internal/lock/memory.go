package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is the single-process fallback used when Redis is not
// configured. Expired entries are reclaimed on the next TryLock.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLease
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLease)}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if lease, held := l.locks[key]; held && now.Before(lease.expiresAt) {
		return "", false, nil
	}

	token := uuid.NewString()
	l.locks[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) error {
	if key == "" || token == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, held := l.locks[key]; held && lease.token == token {
		delete(l.locks, key)
	}
	return nil
}
