package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

// Ledger keeps counters in a map; each method holds the mutex for the whole
// check-and-mutate, which is what makes it atomic.
type Ledger struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewLedger() *Ledger {
	return &Ledger{counters: make(map[string]int64)}
}

func (l *Ledger) Seed(ctx context.Context, key string, value int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.counters[key]; !ok {
		l.counters[key] = value
	}
	return nil
}

func (l *Ledger) TryDecrement(ctx context.Context, key string, qty int64) (bool, int64, error) {
	if qty <= 0 {
		return false, 0, fmt.Errorf("%w: quantity %d", domain.ErrInvalidArgument, qty)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.counters[key]
	if !ok {
		return false, 0, fmt.Errorf("%w: %s", domain.ErrLedgerNotSeeded, key)
	}
	if v < qty {
		return false, v, nil
	}
	v -= qty
	l.counters[key] = v
	return true, v, nil
}

func (l *Ledger) Increment(ctx context.Context, key string, qty int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counters[key] += qty
	return l.counters[key], nil
}

func (l *Ledger) TryReserveUserSlot(ctx context.Context, key string, max int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counters[key] >= max {
		return false, nil
	}
	l.counters[key]++
	return true, nil
}

func (l *Ledger) ReleaseUserSlot(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.counters[key] > 0 {
		l.counters[key]--
	}
	return nil
}

func (l *Ledger) Reset(ctx context.Context, key string, value int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counters[key] = value
	return nil
}

// Value returns the counter and whether it exists.
func (l *Ledger) Value(key string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.counters[key]
	return v, ok
}
