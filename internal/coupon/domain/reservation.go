package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// Reservation links a coupon to one order attempt. Its ID is supplied by the
// caller and doubles as the idempotency key of payment events.
type Reservation struct {
	ID             string
	CouponID       int64
	UserID         string
	OrderID        string
	DiscountAmount decimal.Decimal
	LockToken      string
	Status         ReservationStatus
	ReservedAt     time.Time
	ExpiresAt      time.Time
}

func (r *Reservation) Confirm(orderID string) bool {
	if r.Status != ReservationPending {
		return false
	}
	r.Status = ReservationConfirmed
	r.OrderID = orderID
	return true
}

func (r *Reservation) Cancel() bool {
	if r.Status != ReservationPending {
		return false
	}
	r.Status = ReservationCancelled
	return true
}

// OrderContext carries what the caller knows about the order being priced.
type OrderContext struct {
	OrderID     string
	OrderAmount decimal.Decimal
}
