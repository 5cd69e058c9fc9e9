package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusIssued    Status = "ISSUED"
	StatusReserved  Status = "RESERVED"
	StatusUsed      Status = "USED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
)

// Outcome distinguishes a transition that changed state from an idempotent
// replay of one that already happened.
type Outcome string

const (
	Applied  Outcome = "applied"
	Replayed Outcome = "replayed"
	Ignored  Outcome = "ignored"
)

// Coupon is one issued instance of a policy owned by a single user. It is only
// mutated through the transition methods below; a rejected transition leaves it
// untouched.
type Coupon struct {
	ID             int64
	PolicyID       int64
	UserID         string
	Status         Status
	ReservationID  string
	OrderID        string
	Rule           DiscountRule
	DiscountAmount *decimal.Decimal
	IssuedAt       time.Time
	ReservedAt     *time.Time
	UsedAt         *time.Time
	ExpiredAt      *time.Time
	CancelledAt    *time.Time
	ValidUntil     time.Time
	// Version is the optimistic concurrency token checked by repositories.
	Version int64
}

func NewCoupon(p Policy, userID string, now time.Time) Coupon {
	return Coupon{
		PolicyID:   p.ID,
		UserID:     userID,
		Status:     StatusIssued,
		Rule:       p.Rule,
		IssuedAt:   now,
		ValidUntil: p.End,
	}
}

func (c *Coupon) invalid(event string) error {
	return fmt.Errorf("%w: cannot %s coupon %d in status %s", ErrInvalidState, event, c.ID, c.Status)
}

// Reserve moves an ISSUED coupon to RESERVED. Re-reserving with the id it is
// already reserved under is a replay; any other id is rejected.
func (c *Coupon) Reserve(reservationID string, now time.Time) (Outcome, error) {
	if reservationID == "" {
		return "", fmt.Errorf("%w: blank reservation id", ErrInvalidArgument)
	}
	switch c.Status {
	case StatusReserved:
		if c.ReservationID == reservationID {
			return Replayed, nil
		}
		return "", fmt.Errorf("%w: coupon %d held by another reservation", ErrInvalidState, c.ID)
	case StatusIssued:
		if c.ReservationID == reservationID {
			return "", fmt.Errorf("%w: reservation %s of coupon %d already timed out", ErrInvalidState, reservationID, c.ID)
		}
		c.Status = StatusReserved
		c.ReservationID = reservationID
		c.ReservedAt = &now
		return Applied, nil
	default:
		return "", c.invalid("reserve")
	}
}

// Confirm finalizes a reservation. A USED coupon confirmed again for the same
// order is a replay; for a different order it is ErrOrderMismatch.
func (c *Coupon) Confirm(reservationID, orderID string, amount decimal.Decimal, now time.Time) (Outcome, error) {
	switch c.Status {
	case StatusUsed:
		if c.OrderID == orderID {
			return Replayed, nil
		}
		return "", fmt.Errorf("%w: coupon %d used by order %s", ErrOrderMismatch, c.ID, c.OrderID)
	case StatusReserved:
		if c.ReservationID != reservationID {
			return "", fmt.Errorf("%w: coupon %d reserved as %s, got %s", ErrReservationMismatch, c.ID, c.ReservationID, reservationID)
		}
		c.markUsed(orderID, amount, now)
		return Applied, nil
	default:
		return "", c.invalid("confirm")
	}
}

// Use is the direct path from ISSUED to USED without a prior reservation.
func (c *Coupon) Use(orderID string, amount decimal.Decimal, now time.Time) (Outcome, error) {
	switch c.Status {
	case StatusUsed:
		if c.OrderID == orderID {
			return Replayed, nil
		}
		return "", fmt.Errorf("%w: coupon %d used by order %s", ErrOrderMismatch, c.ID, c.OrderID)
	case StatusIssued:
		c.markUsed(orderID, amount, now)
		return Applied, nil
	default:
		return "", c.invalid("use")
	}
}

func (c *Coupon) markUsed(orderID string, amount decimal.Decimal, now time.Time) {
	c.Status = StatusUsed
	c.OrderID = orderID
	c.DiscountAmount = &amount
	c.UsedAt = &now
}

// CancelReservation releases a reservation whose payment failed. The
// reservation id is cleared so the failed attempt can no longer be confirmed.
func (c *Coupon) CancelReservation() error {
	if c.Status != StatusReserved {
		return c.invalid("cancel reservation of")
	}
	c.Status = StatusIssued
	c.ReservationID = ""
	c.ReservedAt = nil
	return nil
}

// ExpireReservation reverts an abandoned reservation to ISSUED but keeps the
// reservation id, so a payment confirmation that arrives late still matches.
func (c *Coupon) ExpireReservation() error {
	if c.Status != StatusReserved {
		return c.invalid("expire reservation of")
	}
	c.Status = StatusIssued
	c.ReservedAt = nil
	return nil
}

// Cancel is the administrative release. USED coupons may be cancelled; their
// order and usage history is kept.
func (c *Coupon) Cancel(now time.Time) error {
	switch c.Status {
	case StatusIssued, StatusReserved, StatusUsed:
		c.Status = StatusCancelled
		c.CancelledAt = &now
		return nil
	default:
		return c.invalid("cancel")
	}
}

// Expire moves a non-terminal coupon past its validity window to EXPIRED.
func (c *Coupon) Expire(now time.Time) error {
	if c.Status != StatusIssued && c.Status != StatusReserved {
		return c.invalid("expire")
	}
	if c.ValidUntil.IsZero() || now.Before(c.ValidUntil) {
		return fmt.Errorf("%w: coupon %d valid until %s", ErrInvalidState, c.ID, c.ValidUntil.Format(time.RFC3339))
	}
	c.Status = StatusExpired
	c.ExpiredAt = &now
	return nil
}

// ReservationStale reports whether a RESERVED coupon has outlived timeout.
func (c *Coupon) ReservationStale(now time.Time, timeout time.Duration) bool {
	return c.Status == StatusReserved && c.ReservedAt != nil && c.ReservedAt.Before(now.Add(-timeout))
}
