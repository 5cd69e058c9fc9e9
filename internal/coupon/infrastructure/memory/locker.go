package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

type lease struct {
	token   string
	expires time.Time
}

// Locker is a process-local Locker with the same token and TTL semantics as
// the Redis one.
type Locker struct {
	mu   sync.Mutex
	held map[string]lease
	now  func() time.Time
}

func NewLocker(now func() time.Time) *Locker {
	if now == nil {
		now = time.Now
	}
	return &Locker{held: make(map[string]lease), now: now}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return "", domain.ErrLockContention
	}
	token := uuid.NewString()
	l.held[key] = lease{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.held[key]
	if !ok || cur.token != token || !l.now().Before(cur.expires) {
		return false, nil
	}
	delete(l.held, key)
	return true, nil
}

// Holder returns the token currently holding key, if any.
func (l *Locker) Holder(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.held[key]
	if !ok || !l.now().Before(cur.expires) {
		return "", false
	}
	return cur.token, true
}
