package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
	EventCouponUsed       = "CouponUsed"
)

type PaymentCompleted struct {
	ReservationID  string          `json:"reservation_id"`
	OrderID        string          `json:"order_id"`
	UserID         string          `json:"user_id"`
	CouponID       int64           `json:"coupon_id"`
	PaymentAmount  decimal.Decimal `json:"payment_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type PaymentFailed struct {
	ReservationID string `json:"reservation_id"`
	CouponID      int64  `json:"coupon_id"`
	Reason        string `json:"reason"`
}

type CouponUsed struct {
	CouponID       int64           `json:"coupon_id"`
	PolicyID       int64           `json:"policy_id"`
	UserID         string          `json:"user_id"`
	ReservationID  string          `json:"reservation_id"`
	OrderID        string          `json:"order_id"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	UsedAt         time.Time       `json:"used_at"`
}
