package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

// Issuer admits new coupons through the stock ledger and persists them.
type Issuer struct {
	log     *slog.Logger
	repo    Repository
	ledger  StockLedger
	now     Clock
	retries int
}

func NewIssuer(log *slog.Logger, repo Repository, ledger StockLedger, opts ...Option) *Issuer {
	o := applyOptions(opts)
	return &Issuer{log: log, repo: repo, ledger: ledger, now: o.now, retries: o.conflictRetries}
}

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Issue creates a coupon of policyID for userID. Stock and the user's quota
// are claimed on the ledger first; every claim is handed back if a later step
// fails.
func (s *Issuer) Issue(ctx context.Context, policyID int64, userID string) (domain.Coupon, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Coupon{}, fmt.Errorf("%w: blank user id", domain.ErrInvalidArgument)
	}

	policy, err := s.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return domain.Coupon{}, err
	}
	now := s.now()
	if err := policy.CheckIssuable(now); err != nil {
		return domain.Coupon{}, err
	}

	var undo []compensation
	fail := func(err error) (domain.Coupon, error) {
		s.compensate(ctx, policyID, userID, undo)
		return domain.Coupon{}, err
	}

	if policy.MaxIssueCount != nil {
		key := domain.StockKey(policyID)
		if err := s.ledger.Seed(ctx, key, policy.Remaining()); err != nil {
			return domain.Coupon{}, fmt.Errorf("seed stock: %w", err)
		}
		ok, remaining, err := s.ledger.TryDecrement(ctx, key, 1)
		if err != nil {
			return domain.Coupon{}, fmt.Errorf("decrement stock: %w", err)
		}
		if !ok {
			return domain.Coupon{}, fmt.Errorf("%w: policy %d", domain.ErrStockExhausted, policyID)
		}
		s.log.Debug("stock claimed", "policy_id", policyID, "remaining", remaining)
		undo = append(undo, compensation{"stock", func(ctx context.Context) error {
			_, err := s.ledger.Increment(ctx, key, 1)
			return err
		}})
	}

	if policy.MaxIssuePerUser != nil {
		key := domain.UserQuotaKey(policyID, userID)
		issued, err := s.repo.CountActiveIssues(ctx, policyID, userID)
		if err != nil {
			return fail(fmt.Errorf("count user issues: %w", err))
		}
		if err := s.ledger.Seed(ctx, key, issued); err != nil {
			return fail(fmt.Errorf("seed user quota: %w", err))
		}
		ok, err := s.ledger.TryReserveUserSlot(ctx, key, *policy.MaxIssuePerUser)
		if err != nil {
			return fail(fmt.Errorf("reserve user slot: %w", err))
		}
		if !ok {
			return fail(fmt.Errorf("%w: user %s policy %d", domain.ErrUserLimitExceeded, userID, policyID))
		}
		undo = append(undo, compensation{"user_slot", func(ctx context.Context) error {
			return s.ledger.ReleaseUserSlot(ctx, key)
		}})
	}

	c := domain.NewCoupon(policy, userID, now)
	if err := s.repo.CreateCoupon(ctx, &c); err != nil {
		return fail(fmt.Errorf("create coupon: %w", err))
	}

	s.log.Info("coupon issued", "coupon_id", c.ID, "policy_id", policyID, "user_id", userID)
	return c, nil
}

func (s *Issuer) compensate(ctx context.Context, policyID int64, userID string, undo []compensation) {
	if len(undo) == 0 {
		return
	}
	ctx, cancel := detached(ctx)
	defer cancel()

	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i].fn(ctx); err != nil {
			s.log.Error("ledger compensation failed", "step", undo[i].name, "policy_id", policyID, "user_id", userID, "err", err)
		}
	}
}

// CreatePolicy registers a campaign. Its ledger counters are seeded lazily by
// the first issuance.
func (s *Issuer) CreatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error) {
	if strings.TrimSpace(p.Code) == "" {
		return domain.Policy{}, fmt.Errorf("%w: blank policy code", domain.ErrInvalidArgument)
	}
	if err := p.Rule.Validate(); err != nil {
		return domain.Policy{}, err
	}
	if !p.End.IsZero() && !p.End.After(p.Start) {
		return domain.Policy{}, fmt.Errorf("%w: policy ends before it starts", domain.ErrInvalidArgument)
	}
	for _, limit := range []*int64{p.MaxIssueCount, p.MaxIssuePerUser} {
		if limit != nil && *limit < 0 {
			return domain.Policy{}, fmt.Errorf("%w: negative issuance limit", domain.ErrInvalidArgument)
		}
	}
	if p.Mode == "" {
		p.Mode = domain.DistributionCode
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	if err := s.repo.CreatePolicy(ctx, &p); err != nil {
		return domain.Policy{}, err
	}
	s.log.Info("policy created", "policy_id", p.ID, "code", p.Code)
	return p, nil
}

// ResyncStock overwrites the ledger counter of policyID with the durable
// remaining count and returns it (-1 for unlimited policies). Run it while
// issuance for the policy is paused; a concurrent claim would be lost.
func (s *Issuer) ResyncStock(ctx context.Context, policyID int64) (int64, error) {
	policy, err := s.repo.GetPolicy(ctx, policyID)
	if err != nil {
		return 0, err
	}
	remaining := policy.Remaining()
	if remaining < 0 {
		return remaining, nil
	}
	if err := s.ledger.Reset(ctx, domain.StockKey(policyID), remaining); err != nil {
		return 0, fmt.Errorf("reset stock: %w", err)
	}
	s.log.Info("stock resynced", "policy_id", policyID, "remaining", remaining)
	return remaining, nil
}

// Cancel is the administrative release of a coupon. The owner's personal quota
// slot is handed back since only non-cancelled coupons count against it.
func (s *Issuer) Cancel(ctx context.Context, couponID int64) (domain.Coupon, error) {
	var c domain.Coupon
	err := retryConflict(ctx, s.retries, func() error {
		return s.repo.WithinTx(ctx, func(tx Repository) error {
			var err error
			c, err = tx.GetCouponForUpdate(ctx, couponID)
			if err != nil {
				return err
			}
			wasReserved := c.Status == domain.StatusReserved
			if err := c.Cancel(s.now()); err != nil {
				return err
			}
			if err := tx.UpdateCoupon(ctx, &c); err != nil {
				return err
			}
			if !wasReserved {
				return nil
			}
			r, err := tx.GetReservation(ctx, c.ReservationID)
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if r.Cancel() {
				return tx.UpdateReservation(ctx, r)
			}
			return nil
		})
	})
	if err != nil {
		return domain.Coupon{}, err
	}

	policy, err := s.repo.GetPolicy(ctx, c.PolicyID)
	if err != nil {
		s.log.Error("policy lookup after cancel failed", "coupon_id", couponID, "err", err)
		return c, nil
	}
	if policy.MaxIssuePerUser != nil {
		if err := s.ledger.ReleaseUserSlot(ctx, domain.UserQuotaKey(c.PolicyID, c.UserID)); err != nil {
			s.log.Error("release user slot failed", "coupon_id", couponID, "err", err)
		}
	}
	s.log.Info("coupon cancelled", "coupon_id", couponID)
	return c, nil
}
