package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

// tryDecrementScript returns {status, value}: -1 when the key is missing,
// 0 with the untouched remainder when short, 1 with the new remainder.
var tryDecrementScript = goredis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return {-1, 0}
end
v = tonumber(v)
local qty = tonumber(ARGV[1])
if v < qty then
	return {0, v}
end
return {1, redis.call("DECRBY", KEYS[1], qty)}
`)

var reserveSlotScript = goredis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v >= tonumber(ARGV[1]) then
	return 0
end
redis.call("INCR", KEYS[1])
return 1
`)

var releaseSlotScript = goredis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Ledger keeps stock and per-user counters in Redis. Each check-and-mutate is
// one Lua script, so concurrent callers never observe a partial update.
type Ledger struct {
	rdb *goredis.Client
}

func NewLedger(rdb *goredis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

func (l *Ledger) Seed(ctx context.Context, key string, value int64) error {
	if err := l.rdb.SetNX(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("seed %s: %w", key, err)
	}
	return nil
}

func (l *Ledger) TryDecrement(ctx context.Context, key string, qty int64) (bool, int64, error) {
	if qty <= 0 {
		return false, 0, fmt.Errorf("%w: quantity %d", domain.ErrInvalidArgument, qty)
	}
	res, err := tryDecrementScript.Run(ctx, l.rdb, []string{key}, qty).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("decrement %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("decrement %s: unexpected reply %v", key, res)
	}
	switch res[0] {
	case -1:
		return false, 0, fmt.Errorf("%w: %s", domain.ErrLedgerNotSeeded, key)
	case 0:
		return false, res[1], nil
	default:
		return true, res[1], nil
	}
}

func (l *Ledger) Increment(ctx context.Context, key string, qty int64) (int64, error) {
	v, err := l.rdb.IncrBy(ctx, key, qty).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return v, nil
}

func (l *Ledger) TryReserveUserSlot(ctx context.Context, key string, max int64) (bool, error) {
	n, err := reserveSlotScript.Run(ctx, l.rdb, []string{key}, max).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve slot %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *Ledger) ReleaseUserSlot(ctx context.Context, key string) error {
	if err := releaseSlotScript.Run(ctx, l.rdb, []string{key}).Err(); err != nil {
		return fmt.Errorf("release slot %s: %w", key, err)
	}
	return nil
}

func (l *Ledger) Reset(ctx context.Context, key string, value int64) error {
	if err := l.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", key, err)
	}
	return nil
}

// Value reads a counter for diagnostics; ok is false when it was never seeded.
func (l *Ledger) Value(ctx context.Context, key string) (v int64, ok bool, err error) {
	v, err = l.rdb.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}
