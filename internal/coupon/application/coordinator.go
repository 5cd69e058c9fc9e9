package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

type ReservationResult struct {
	ReservationID  string
	CouponID       int64
	DiscountAmount decimal.Decimal
	ExpiresAt      time.Time
	Outcome        domain.Outcome
}

// Coordinator places coupons on hold for an in-flight order.
type Coordinator struct {
	log      *slog.Logger
	repo     Repository
	locker   Locker
	now      Clock
	retries  int
	timeout  time.Duration
	lockTTL  time.Duration
	lockWait time.Duration
}

func NewCoordinator(log *slog.Logger, repo Repository, locker Locker, opts ...Option) *Coordinator {
	o := applyOptions(opts)
	return &Coordinator{
		log:      log,
		repo:     repo,
		locker:   locker,
		now:      o.now,
		retries:  o.conflictRetries,
		timeout:  o.reservationTimeout,
		lockTTL:  o.lockTTL,
		lockWait: o.lockWait,
	}
}

// Reserve moves the user's coupon to RESERVED under reservationID, relying on
// the row version alone to detect concurrent writers.
func (s *Coordinator) Reserve(ctx context.Context, userID string, couponID int64, reservationID string, order domain.OrderContext) (ReservationResult, error) {
	if strings.TrimSpace(reservationID) == "" {
		return ReservationResult{}, fmt.Errorf("%w: blank reservation id", domain.ErrInvalidArgument)
	}

	var res ReservationResult
	err := retryConflict(ctx, s.retries, func() error {
		c, err := s.loadOwned(ctx, s.repo.GetCoupon, couponID, userID)
		if err != nil {
			return err
		}
		now := s.now()
		if replay, ok := s.replay(c, reservationID, order); ok {
			res = replay
			return nil
		}
		discount, err := s.prepare(&c, reservationID, order, now)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateCoupon(ctx, &c); err != nil {
			return err
		}
		res = ReservationResult{
			ReservationID:  reservationID,
			CouponID:       c.ID,
			DiscountAmount: discount,
			ExpiresAt:      now.Add(s.timeout),
			Outcome:        domain.Applied,
		}
		return nil
	})
	if err != nil {
		return ReservationResult{}, err
	}
	s.log.Info("coupon reserved", "coupon_id", couponID, "reservation_id", reservationID, "outcome", res.Outcome)
	return res, nil
}

// Apply is Reserve under the coupon's distributed lock, additionally writing a
// Reservation record. The lock guards the read-compute-write sequence; the row
// version still catches a writer that slipped in after the lock TTL ran out.
func (s *Coordinator) Apply(ctx context.Context, userID string, couponID int64, reservationID string, order domain.OrderContext) (ReservationResult, error) {
	if strings.TrimSpace(reservationID) == "" {
		return ReservationResult{}, fmt.Errorf("%w: blank reservation id", domain.ErrInvalidArgument)
	}

	key := domain.CouponLockKey(couponID)
	token, err := acquireLock(ctx, s.locker, key, s.lockTTL, s.lockWait)
	if err != nil {
		s.log.Warn("coupon lock not acquired", "coupon_id", couponID, "reservation_id", reservationID, "err", err)
		return ReservationResult{}, err
	}
	defer s.release(ctx, key, token)

	var res ReservationResult
	err = retryConflict(ctx, s.retries, func() error {
		return s.repo.WithinTx(ctx, func(tx Repository) error {
			c, err := s.loadOwned(ctx, tx.GetCouponForUpdate, couponID, userID)
			if err != nil {
				return err
			}
			now := s.now()
			if replay, ok := s.replay(c, reservationID, order); ok {
				if r, err := tx.GetReservation(ctx, reservationID); err == nil {
					replay.DiscountAmount = r.DiscountAmount
					replay.ExpiresAt = r.ExpiresAt
				}
				res = replay
				return nil
			}

			if _, err := tx.GetReservation(ctx, reservationID); err == nil {
				return fmt.Errorf("%w: reservation %s already used", domain.ErrInvalidState, reservationID)
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}

			previous := c.ReservationID
			discount, err := s.prepare(&c, reservationID, order, now)
			if err != nil {
				return err
			}
			if err := tx.UpdateCoupon(ctx, &c); err != nil {
				return err
			}
			if previous != "" {
				if err := s.cancelRecord(ctx, tx, previous); err != nil {
					return err
				}
			}

			r := domain.Reservation{
				ID:             reservationID,
				CouponID:       c.ID,
				UserID:         c.UserID,
				OrderID:        order.OrderID,
				DiscountAmount: discount,
				LockToken:      token,
				Status:         domain.ReservationPending,
				ReservedAt:     now,
				ExpiresAt:      now.Add(s.timeout),
			}
			if err := tx.SaveReservation(ctx, r); err != nil {
				return err
			}
			res = ReservationResult{
				ReservationID:  reservationID,
				CouponID:       c.ID,
				DiscountAmount: discount,
				ExpiresAt:      r.ExpiresAt,
				Outcome:        domain.Applied,
			}
			return nil
		})
	})
	if err != nil {
		return ReservationResult{}, err
	}
	s.log.Info("coupon applied", "coupon_id", couponID, "reservation_id", reservationID, "outcome", res.Outcome)
	return res, nil
}

// ReleaseLock releases the coupon lock recorded on the reservation. It is a
// no-op when the lock has since expired or been taken by someone else.
func (s *Coordinator) ReleaseLock(ctx context.Context, reservationID string) (bool, error) {
	r, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if r.LockToken == "" {
		return false, nil
	}
	return s.locker.Release(ctx, domain.CouponLockKey(r.CouponID), r.LockToken)
}

func (s *Coordinator) release(ctx context.Context, key, token string) {
	ctx, cancel := detached(ctx)
	defer cancel()

	ok, err := s.locker.Release(ctx, key, token)
	if err != nil {
		s.log.Error("coupon lock release failed", "key", key, "err", err)
		return
	}
	if !ok {
		s.log.Warn("coupon lock expired before release", "key", key)
	}
}

func (s *Coordinator) loadOwned(ctx context.Context, load func(context.Context, int64) (domain.Coupon, error), couponID int64, userID string) (domain.Coupon, error) {
	c, err := load(ctx, couponID)
	if err != nil {
		return domain.Coupon{}, err
	}
	if c.UserID != userID {
		return domain.Coupon{}, fmt.Errorf("%w: coupon %d for user %s", domain.ErrNotFound, couponID, userID)
	}
	return c, nil
}

func (s *Coordinator) replay(c domain.Coupon, reservationID string, order domain.OrderContext) (ReservationResult, bool) {
	if c.Status != domain.StatusReserved || c.ReservationID != reservationID {
		return ReservationResult{}, false
	}
	res := ReservationResult{
		ReservationID:  reservationID,
		CouponID:       c.ID,
		DiscountAmount: c.Rule.Discount(order.OrderAmount),
		Outcome:        domain.Replayed,
	}
	if c.ReservedAt != nil {
		res.ExpiresAt = c.ReservedAt.Add(s.timeout)
	}
	return res, true
}

// prepare validates c can be reserved, computes the discount and applies the
// transition in memory.
func (s *Coordinator) prepare(c *domain.Coupon, reservationID string, order domain.OrderContext, now time.Time) (decimal.Decimal, error) {
	if c.Status != domain.StatusIssued {
		return decimal.Zero, fmt.Errorf("%w: coupon %d is %s, only ISSUED coupons can be reserved", domain.ErrInvalidState, c.ID, c.Status)
	}
	if !c.ValidUntil.IsZero() && !now.Before(c.ValidUntil) {
		return decimal.Zero, fmt.Errorf("%w: coupon %d valid until %s", domain.ErrPolicyExpired, c.ID, c.ValidUntil.Format(time.RFC3339))
	}
	if order.OrderAmount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative order amount", domain.ErrInvalidArgument)
	}
	discount := c.Rule.Discount(order.OrderAmount)
	if _, err := c.Reserve(reservationID, now); err != nil {
		return decimal.Zero, err
	}
	return discount, nil
}

func (s *Coordinator) cancelRecord(ctx context.Context, tx Repository, reservationID string) error {
	r, err := tx.GetReservation(ctx, reservationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.Cancel() {
		s.log.Info("superseded reservation cancelled", "reservation_id", reservationID, "coupon_id", r.CouponID)
		return tx.UpdateReservation(ctx, r)
	}
	return nil
}
