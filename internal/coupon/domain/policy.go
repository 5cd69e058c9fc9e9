package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountFixed      DiscountType = "FIXED"
	DiscountPercentage DiscountType = "PERCENTAGE"
)

type DistributionMode string

const (
	DistributionCode   DistributionMode = "CODE"
	DistributionDirect DistributionMode = "DIRECT"
	DistributionEvent  DistributionMode = "EVENT"
)

var hundred = decimal.NewFromInt(100)

// DiscountRule is copied onto each coupon at issuance so later policy edits do
// not change what an already issued coupon is worth.
type DiscountRule struct {
	Type  DiscountType
	Value decimal.Decimal
	// MaxDiscount caps percentage discounts. Nil means the order amount.
	MaxDiscount *decimal.Decimal
}

// Discount returns the amount taken off orderAmount. It never exceeds the
// order amount and is never negative.
func (r DiscountRule) Discount(orderAmount decimal.Decimal) decimal.Decimal {
	if !orderAmount.IsPositive() {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch r.Type {
	case DiscountFixed:
		d = decimal.Min(r.Value, orderAmount)
	case DiscountPercentage:
		limit := orderAmount
		if r.MaxDiscount != nil {
			limit = *r.MaxDiscount
		}
		d = decimal.Min(orderAmount.Mul(r.Value).Div(hundred), limit).Round(2)
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func (r DiscountRule) Validate() error {
	switch r.Type {
	case DiscountFixed:
	case DiscountPercentage:
		if r.Value.GreaterThan(hundred) {
			return fmt.Errorf("%w: percentage above 100", ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: discount type %q", ErrInvalidArgument, r.Type)
	}
	if r.Value.IsNegative() {
		return fmt.Errorf("%w: negative discount value", ErrInvalidArgument)
	}
	return nil
}

type Policy struct {
	ID    int64
	Code  string
	Name  string
	Rule  DiscountRule
	Mode  DistributionMode
	Start time.Time
	End   time.Time
	// Nil limits are unlimited.
	MaxIssueCount     *int64
	MaxIssuePerUser   *int64
	CurrentIssueCount int64
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CheckIssuable reports why the policy cannot issue coupons at now, if any.
func (p Policy) CheckIssuable(now time.Time) error {
	if !p.Active {
		return fmt.Errorf("%w: policy %d", ErrPolicyNotActive, p.ID)
	}
	if now.Before(p.Start) {
		return fmt.Errorf("%w: policy %d starts at %s", ErrPolicyNotStarted, p.ID, p.Start.Format(time.RFC3339))
	}
	if !p.End.IsZero() && !now.Before(p.End) {
		return fmt.Errorf("%w: policy %d ended at %s", ErrPolicyExpired, p.ID, p.End.Format(time.RFC3339))
	}
	return nil
}

// Remaining is the durable view of issuable stock; -1 means unlimited.
func (p Policy) Remaining() int64 {
	if p.MaxIssueCount == nil {
		return -1
	}
	r := *p.MaxIssueCount - p.CurrentIssueCount
	if r < 0 {
		return 0
	}
	return r
}

func StockKey(policyID int64) string {
	return fmt.Sprintf("coupon:stock:%d", policyID)
}

func UserQuotaKey(policyID int64, userID string) string {
	return fmt.Sprintf("coupon:quota:%d:%s", policyID, userID)
}

func CouponLockKey(couponID int64) string {
	return fmt.Sprintf("coupon:lock:%d", couponID)
}
