package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

// PaymentReconciler settles reservations from payment outcomes. Events are
// delivered at least once, so every path tolerates redelivery.
type PaymentReconciler struct {
	log      *slog.Logger
	repo     Repository
	locker   Locker
	notifier Notifier
	now      Clock
	retries  int
}

func NewPaymentReconciler(log *slog.Logger, repo Repository, locker Locker, notifier Notifier, opts ...Option) *PaymentReconciler {
	o := applyOptions(opts)
	return &PaymentReconciler{
		log:      log,
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		now:      o.now,
		retries:  o.conflictRetries,
	}
}

// OnPaymentCompleted finalizes the coupon to USED. A coupon that timed out back
// to ISSUED but still carries the event's reservation id is finalized too. A
// completion for a coupon already used by another order is ErrOrderMismatch.
func (p *PaymentReconciler) OnPaymentCompleted(ctx context.Context, ev domain.PaymentCompleted) (domain.Outcome, error) {
	if ev.ReservationID == "" || ev.OrderID == "" || ev.CouponID == 0 {
		return "", fmt.Errorf("%w: payment completed event missing reservation, order or coupon id", domain.ErrInvalidArgument)
	}

	var (
		outcome domain.Outcome
		used    domain.Coupon
	)
	err := retryConflict(ctx, p.retries, func() error {
		return p.repo.WithinTx(ctx, func(tx Repository) error {
			c, err := tx.GetCouponForUpdate(ctx, ev.CouponID)
			if err != nil {
				return err
			}
			if ev.UserID != "" && ev.UserID != c.UserID {
				return fmt.Errorf("%w: coupon %d is not owned by user %s", domain.ErrInvalidArgument, c.ID, ev.UserID)
			}

			var reservation *domain.Reservation
			if r, err := tx.GetReservation(ctx, ev.ReservationID); err == nil {
				reservation = &r
			} else if !errors.Is(err, domain.ErrNotFound) {
				return err
			}

			now := p.now()
			amount := p.discount(c, reservation, ev)
			switch {
			case c.Status == domain.StatusUsed:
				// same order replays, another order is a second redemption
				outcome, err = c.Confirm(ev.ReservationID, ev.OrderID, amount, now)
				return err
			case c.Status == domain.StatusReserved && c.ReservationID == ev.ReservationID:
				outcome, err = c.Confirm(ev.ReservationID, ev.OrderID, amount, now)
			case c.Status == domain.StatusIssued && c.ReservationID == ev.ReservationID:
				p.log.Info("late payment confirmation after timeout", "coupon_id", c.ID, "reservation_id", ev.ReservationID)
				outcome, err = c.Use(ev.OrderID, amount, now)
			case c.Status == domain.StatusReserved || c.Status == domain.StatusIssued:
				return fmt.Errorf("%w: coupon %d holds reservation %q, event has %q",
					domain.ErrReservationMismatch, c.ID, c.ReservationID, ev.ReservationID)
			default:
				return fmt.Errorf("%w: coupon %d is %s", domain.ErrInvalidState, c.ID, c.Status)
			}
			if err != nil {
				return err
			}

			if err := tx.UpdateCoupon(ctx, &c); err != nil {
				return err
			}
			if reservation != nil && reservation.Confirm(ev.OrderID) {
				if err := tx.UpdateReservation(ctx, *reservation); err != nil {
					return err
				}
			}
			used = c
			return nil
		})
	})
	if err != nil {
		p.log.Error("payment completion rejected", "coupon_id", ev.CouponID, "reservation_id", ev.ReservationID, "err", err)
		return "", err
	}

	if outcome == domain.Applied {
		p.notifyUsed(ctx, used)
	}
	p.log.Info("payment completion reconciled", "coupon_id", ev.CouponID, "reservation_id", ev.ReservationID, "outcome", outcome)
	return outcome, nil
}

// OnPaymentFailed returns a still-reserved coupon to ISSUED. A coupon already
// resolved by someone else is left alone.
func (p *PaymentReconciler) OnPaymentFailed(ctx context.Context, ev domain.PaymentFailed) (domain.Outcome, error) {
	if ev.ReservationID == "" || ev.CouponID == 0 {
		return "", fmt.Errorf("%w: payment failed event missing reservation or coupon id", domain.ErrInvalidArgument)
	}

	var (
		outcome domain.Outcome
		token   string
	)
	err := retryConflict(ctx, p.retries, func() error {
		return p.repo.WithinTx(ctx, func(tx Repository) error {
			outcome, token = domain.Ignored, ""

			c, err := tx.GetCouponForUpdate(ctx, ev.CouponID)
			if err != nil {
				return err
			}
			if c.Status != domain.StatusReserved || c.ReservationID != ev.ReservationID {
				return nil
			}
			if err := c.CancelReservation(); err != nil {
				return err
			}
			if err := tx.UpdateCoupon(ctx, &c); err != nil {
				return err
			}

			r, err := tx.GetReservation(ctx, ev.ReservationID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
			case err != nil:
				return err
			default:
				token = r.LockToken
				if r.Cancel() {
					if err := tx.UpdateReservation(ctx, r); err != nil {
						return err
					}
				}
			}
			outcome = domain.Applied
			return nil
		})
	})
	if err != nil {
		p.log.Error("payment failure rejected", "coupon_id", ev.CouponID, "reservation_id", ev.ReservationID, "err", err)
		return "", err
	}

	if token != "" {
		if _, err := p.locker.Release(ctx, domain.CouponLockKey(ev.CouponID), token); err != nil {
			p.log.Error("release reservation lock failed", "coupon_id", ev.CouponID, "err", err)
		}
	}
	p.log.Info("payment failure reconciled", "coupon_id", ev.CouponID, "reservation_id", ev.ReservationID,
		"reason", ev.Reason, "outcome", outcome)
	return outcome, nil
}

// discount prefers the amount the payment system charged, then the amount
// computed at reservation, then a fresh computation from the coupon's rule.
func (p *PaymentReconciler) discount(c domain.Coupon, r *domain.Reservation, ev domain.PaymentCompleted) decimal.Decimal {
	if ev.DiscountAmount.IsPositive() {
		return ev.DiscountAmount
	}
	if r != nil && r.DiscountAmount.IsPositive() {
		return r.DiscountAmount
	}
	return c.Rule.Discount(ev.PaymentAmount)
}

func (p *PaymentReconciler) notifyUsed(ctx context.Context, c domain.Coupon) {
	ev := domain.CouponUsed{
		CouponID:      c.ID,
		PolicyID:      c.PolicyID,
		UserID:        c.UserID,
		ReservationID: c.ReservationID,
		OrderID:       c.OrderID,
	}
	if c.DiscountAmount != nil {
		ev.DiscountAmount = *c.DiscountAmount
	}
	if c.UsedAt != nil {
		ev.UsedAt = *c.UsedAt
	}
	if err := p.notifier.CouponUsed(ctx, ev); err != nil {
		p.log.Error("coupon used notification failed", "coupon_id", c.ID, "err", err)
	}
}
