package application

import (
	"context"
	"time"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

// Locker is a token based mutual exclusion service with TTL. Acquire returns
// domain.ErrLockContention when the key is held. Release only deletes the key
// when token still matches and reports whether it did.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// StockLedger holds the admission counters. Every method is a single atomic
// round trip.
type StockLedger interface {
	// Seed sets key to value only if key does not exist yet.
	Seed(ctx context.Context, key string, value int64) error
	// TryDecrement takes qty when remaining >= qty and never mutates otherwise.
	TryDecrement(ctx context.Context, key string, qty int64) (bool, int64, error)
	Increment(ctx context.Context, key string, qty int64) (int64, error)
	// TryReserveUserSlot increments the per-user count when it is below max.
	TryReserveUserSlot(ctx context.Context, key string, max int64) (bool, error)
	ReleaseUserSlot(ctx context.Context, key string) error
	// Reset overwrites key unconditionally.
	Reset(ctx context.Context, key string, value int64) error
}

type Repository interface {
	// CreatePolicy inserts p and assigns its id.
	CreatePolicy(ctx context.Context, p *domain.Policy) error
	GetPolicy(ctx context.Context, policyID int64) (domain.Policy, error)
	// CountActiveIssues counts the user's non-cancelled coupons of a policy.
	CountActiveIssues(ctx context.Context, policyID int64, userID string) (int64, error)

	GetCoupon(ctx context.Context, couponID int64) (domain.Coupon, error)
	// GetCouponForUpdate reads the coupon under a row lock held until the
	// surrounding transaction ends.
	GetCouponForUpdate(ctx context.Context, couponID int64) (domain.Coupon, error)
	// ListStaleReservations returns RESERVED coupons reserved before cutoff.
	ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Coupon, error)
	// CreateCoupon inserts c and bumps the policy issue count. It fails with
	// domain.ErrStockExhausted when the durable count is already at the limit.
	CreateCoupon(ctx context.Context, c *domain.Coupon) error
	// UpdateCoupon writes c if its stored version equals c.Version, then
	// advances c.Version. A lost race yields domain.ErrVersionConflict.
	UpdateCoupon(ctx context.Context, c *domain.Coupon) error

	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	SaveReservation(ctx context.Context, r domain.Reservation) error
	UpdateReservation(ctx context.Context, r domain.Reservation) error

	// WithinTx runs fn against a repository bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Repository) error) error
}

//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks . Notifier

// Notifier publishes domain notifications. Delivery is best effort.
type Notifier interface {
	CouponUsed(ctx context.Context, ev domain.CouponUsed) error
}

type Clock func() time.Time
