package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

// retryConflict re-runs fn while it fails with a version conflict, at most
// attempts extra times. Exhaustion surfaces as domain.ErrConcurrencyConflict.
func retryConflict(ctx context.Context, attempts int, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil || errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts)), ctx))

	if errors.Is(err, domain.ErrVersionConflict) {
		return fmt.Errorf("%w: gave up after %d retries: %v", domain.ErrConcurrencyConflict, attempts, err)
	}
	return err
}

// acquireLock polls the locker until the key is free or wait elapses. Failing
// to get the lock in time yields domain.ErrLockContention.
func acquireLock(ctx context.Context, locker Locker, key string, ttl, wait time.Duration) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = wait
	var bo backoff.BackOff = b
	if wait <= 0 {
		bo = &backoff.StopBackOff{}
	}

	var token string
	err := backoff.Retry(func() error {
		t, err := locker.Acquire(ctx, key, ttl)
		if err == nil {
			token = t
			return nil
		}
		if errors.Is(err, domain.ErrLockContention) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		if errors.Is(err, domain.ErrLockContention) {
			return "", fmt.Errorf("%w: %s", domain.ErrLockContention, key)
		}
		return "", err
	}
	return token, nil
}

// detached returns a context that survives cancellation of ctx, for cleanup
// that must run after the caller gave up.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
