package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/application"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

type state struct {
	policies     map[int64]domain.Policy
	coupons      map[int64]domain.Coupon
	reservations map[string]domain.Reservation
	nextCoupon   int64
	nextPolicy   int64
}

func (s *state) clone() *state {
	c := &state{
		policies:     make(map[int64]domain.Policy, len(s.policies)),
		coupons:      make(map[int64]domain.Coupon, len(s.coupons)),
		reservations: make(map[string]domain.Reservation, len(s.reservations)),
		nextCoupon:   s.nextCoupon,
		nextPolicy:   s.nextPolicy,
	}
	for k, v := range s.policies {
		c.policies[k] = v
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

// Repository is an in-memory application.Repository. Writers are serialized
// and each transaction works on a private copy that replaces the shared state
// only on commit, so a failed transaction leaves nothing behind.
type Repository struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *state
}

func NewRepository() *Repository {
	return &Repository{state: &state{
		policies:     make(map[int64]domain.Policy),
		coupons:      make(map[int64]domain.Coupon),
		reservations: make(map[string]domain.Reservation),
		nextCoupon:   1000,
	}}
}

// AddPolicy stores p as is, replacing any policy with the same id.
func (r *Repository) AddPolicy(p domain.Policy) {
	_ = r.WithinTx(context.Background(), func(tx application.Repository) error {
		st := tx.(*txView).st
		st.policies[p.ID] = p
		if p.ID > st.nextPolicy {
			st.nextPolicy = p.ID
		}
		return nil
	})
}

// AddCoupon stores c as is, keeping its id.
func (r *Repository) AddCoupon(c domain.Coupon) {
	_ = r.WithinTx(context.Background(), func(tx application.Repository) error {
		st := tx.(*txView).st
		st.coupons[c.ID] = c
		if c.ID >= st.nextCoupon {
			st.nextCoupon = c.ID
		}
		return nil
	})
}

func (r *Repository) read() *txView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &txView{st: r.state}
}

func (r *Repository) WithinTx(ctx context.Context, fn func(tx application.Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	view := &txView{st: r.state.clone()}
	r.mu.RUnlock()

	if err := fn(view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = view.st
	r.mu.Unlock()
	return nil
}

func (r *Repository) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	return r.WithinTx(ctx, func(tx application.Repository) error { return tx.CreatePolicy(ctx, p) })
}

func (r *Repository) GetPolicy(ctx context.Context, policyID int64) (domain.Policy, error) {
	return r.read().GetPolicy(ctx, policyID)
}

func (r *Repository) CountActiveIssues(ctx context.Context, policyID int64, userID string) (int64, error) {
	return r.read().CountActiveIssues(ctx, policyID, userID)
}

func (r *Repository) GetCoupon(ctx context.Context, couponID int64) (domain.Coupon, error) {
	return r.read().GetCoupon(ctx, couponID)
}

func (r *Repository) GetCouponForUpdate(ctx context.Context, couponID int64) (domain.Coupon, error) {
	return r.read().GetCoupon(ctx, couponID)
}

func (r *Repository) ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Coupon, error) {
	return r.read().ListStaleReservations(ctx, cutoff, limit)
}

func (r *Repository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return r.read().GetReservation(ctx, reservationID)
}

func (r *Repository) CreateCoupon(ctx context.Context, c *domain.Coupon) error {
	return r.WithinTx(ctx, func(tx application.Repository) error { return tx.CreateCoupon(ctx, c) })
}

func (r *Repository) UpdateCoupon(ctx context.Context, c *domain.Coupon) error {
	return r.WithinTx(ctx, func(tx application.Repository) error { return tx.UpdateCoupon(ctx, c) })
}

func (r *Repository) SaveReservation(ctx context.Context, res domain.Reservation) error {
	return r.WithinTx(ctx, func(tx application.Repository) error { return tx.SaveReservation(ctx, res) })
}

func (r *Repository) UpdateReservation(ctx context.Context, res domain.Reservation) error {
	return r.WithinTx(ctx, func(tx application.Repository) error { return tx.UpdateReservation(ctx, res) })
}

// txView reads and writes one state snapshot without locking.
type txView struct {
	st *state
}

func (v *txView) WithinTx(ctx context.Context, fn func(tx application.Repository) error) error {
	return fn(v)
}

func (v *txView) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	for _, existing := range v.st.policies {
		if existing.Code == p.Code {
			return fmt.Errorf("%w: policy code %s already exists", domain.ErrInvalidState, p.Code)
		}
	}
	v.st.nextPolicy++
	p.ID = v.st.nextPolicy
	p.CurrentIssueCount = 0
	v.st.policies[p.ID] = *p
	return nil
}

func (v *txView) GetPolicy(ctx context.Context, policyID int64) (domain.Policy, error) {
	p, ok := v.st.policies[policyID]
	if !ok {
		return domain.Policy{}, fmt.Errorf("%w: policy %d", domain.ErrNotFound, policyID)
	}
	return p, nil
}

func (v *txView) CountActiveIssues(ctx context.Context, policyID int64, userID string) (int64, error) {
	var n int64
	for _, c := range v.st.coupons {
		if c.PolicyID == policyID && c.UserID == userID && c.Status != domain.StatusCancelled {
			n++
		}
	}
	return n, nil
}

func (v *txView) GetCoupon(ctx context.Context, couponID int64) (domain.Coupon, error) {
	c, ok := v.st.coupons[couponID]
	if !ok {
		return domain.Coupon{}, fmt.Errorf("%w: coupon %d", domain.ErrNotFound, couponID)
	}
	return c, nil
}

func (v *txView) GetCouponForUpdate(ctx context.Context, couponID int64) (domain.Coupon, error) {
	return v.GetCoupon(ctx, couponID)
}

func (v *txView) ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Coupon, error) {
	var out []domain.Coupon
	for _, c := range v.st.coupons {
		if c.Status == domain.StatusReserved && c.ReservedAt != nil && c.ReservedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(*out[j].ReservedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *txView) CreateCoupon(ctx context.Context, c *domain.Coupon) error {
	p, ok := v.st.policies[c.PolicyID]
	if !ok {
		return fmt.Errorf("%w: policy %d", domain.ErrNotFound, c.PolicyID)
	}
	if p.MaxIssueCount != nil && p.CurrentIssueCount >= *p.MaxIssueCount {
		return fmt.Errorf("%w: policy %d at durable limit", domain.ErrStockExhausted, p.ID)
	}
	p.CurrentIssueCount++
	v.st.policies[p.ID] = p

	v.st.nextCoupon++
	c.ID = v.st.nextCoupon
	c.Version = 0
	v.st.coupons[c.ID] = *c
	return nil
}

func (v *txView) UpdateCoupon(ctx context.Context, c *domain.Coupon) error {
	cur, ok := v.st.coupons[c.ID]
	if !ok {
		return fmt.Errorf("%w: coupon %d", domain.ErrNotFound, c.ID)
	}
	if cur.Version != c.Version {
		return fmt.Errorf("%w: coupon %d at version %d, write based on %d", domain.ErrVersionConflict, c.ID, cur.Version, c.Version)
	}
	c.Version++
	v.st.coupons[c.ID] = *c
	return nil
}

func (v *txView) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	r, ok := v.st.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, reservationID)
	}
	return r, nil
}

func (v *txView) SaveReservation(ctx context.Context, r domain.Reservation) error {
	if _, ok := v.st.reservations[r.ID]; ok {
		return fmt.Errorf("%w: reservation %s already exists", domain.ErrInvalidState, r.ID)
	}
	v.st.reservations[r.ID] = r
	return nil
}

func (v *txView) UpdateReservation(ctx context.Context, r domain.Reservation) error {
	if _, ok := v.st.reservations[r.ID]; !ok {
		return fmt.Errorf("%w: reservation %s", domain.ErrNotFound, r.ID)
	}
	v.st.reservations[r.ID] = r
	return nil
}
