package application_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

func TestIssueConcurrentNeverOverIssues(t *testing.T) {
	f := newFixture(t)
	f.policy(1, limit(100), nil)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		issued    int
		exhausted int
	)
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.issuer.Issue(ctx, 1, fmt.Sprintf("user-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				issued++
			case errors.Is(err, domain.ErrStockExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, issued)
	assert.Equal(t, 50, exhausted)

	remaining, ok := f.ledger.Value(domain.StockKey(1))
	require.True(t, ok)
	assert.Zero(t, remaining)

	p, err := f.repo.GetPolicy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.CurrentIssueCount)
}

func TestIssueUserLimit(t *testing.T) {
	f := newFixture(t)
	f.policy(1, limit(10), limit(1))
	ctx := context.Background()

	c, err := f.issuer.Issue(ctx, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIssued, c.Status)
	assert.True(t, c.Rule.Value.IsPositive())

	_, err = f.issuer.Issue(ctx, 1, "alice")
	require.ErrorIs(t, err, domain.ErrUserLimitExceeded)
	assert.Equal(t, "USER_LIMIT_EXCEEDED", domain.CodeOf(err))

	// the stock claimed by the rejected call was handed back
	remaining, _ := f.ledger.Value(domain.StockKey(1))
	assert.Equal(t, int64(9), remaining)
}

func TestIssueUserLimitUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.policy(1, nil, limit(3))
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.issuer.Issue(ctx, 1, "bob"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	n, err := f.repo.CountActiveIssues(ctx, 1, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestIssueCompensatesOnDurableFailure(t *testing.T) {
	f := newFixture(t)
	f.policy(1, limit(5), limit(2))
	f.build(&failingRepo{Repository: f.repo, createErr: errors.New("disk full")}, f.notifier)

	_, err := f.issuer.Issue(context.Background(), 1, "carol")
	require.Error(t, err)

	stock, _ := f.ledger.Value(domain.StockKey(1))
	assert.Equal(t, int64(5), stock)
	slots, _ := f.ledger.Value(domain.UserQuotaKey(1, "carol"))
	assert.Zero(t, slots)
}

func TestIssueRejectsInvalidPolicyWithoutTouchingLedger(t *testing.T) {
	f := newFixture(t)
	p := f.policy(1, limit(5), nil)
	p.Active = false
	f.repo.AddPolicy(p)
	ctx := context.Background()

	_, err := f.issuer.Issue(ctx, 1, "dave")
	assert.ErrorIs(t, err, domain.ErrPolicyNotActive)
	_, seeded := f.ledger.Value(domain.StockKey(1))
	assert.False(t, seeded)

	_, err = f.issuer.Issue(ctx, 404, "dave")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.issuer.Issue(ctx, 1, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCancelFreesUserSlot(t *testing.T) {
	f := newFixture(t)
	f.policy(1, nil, limit(1))
	ctx := context.Background()

	c, err := f.issuer.Issue(ctx, 1, "erin")
	require.NoError(t, err)

	cancelled, err := f.issuer.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	_, err = f.issuer.Issue(ctx, 1, "erin")
	require.NoError(t, err)

	_, err = f.issuer.Cancel(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelReservedCouponCancelsRecord(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "frank")
	f.policy(1, nil, nil)
	ctx := context.Background()

	_, err := f.coord.Apply(ctx, "frank", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)

	_, err = f.issuer.Cancel(ctx, 1001)
	require.NoError(t, err)

	r, err := f.repo.GetReservation(ctx, "R-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, r.Status)
}

func TestResyncStock(t *testing.T) {
	f := newFixture(t)
	f.policy(1, limit(10), nil)
	ctx := context.Background()

	_, err := f.issuer.Issue(ctx, 1, "gina")
	require.NoError(t, err)
	require.NoError(t, f.ledger.Reset(ctx, domain.StockKey(1), 3))

	remaining, err := f.issuer.ResyncStock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(9), remaining)
	v, _ := f.ledger.Value(domain.StockKey(1))
	assert.Equal(t, int64(9), v)

	f.policy(2, nil, nil)
	remaining, err = f.issuer.ResyncStock(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), remaining)
}

func TestCreatePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := domain.Policy{
		Code:          "WELCOME",
		Name:          "Welcome",
		Rule:          domain.DiscountRule{Type: domain.DiscountPercentage, Value: decimal.NewFromInt(15)},
		Start:         t0.Add(-time.Minute),
		End:           t0.Add(time.Hour),
		MaxIssueCount: limit(2),
		Active:        true,
	}
	created, err := f.issuer.CreatePolicy(ctx, p)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, domain.DistributionCode, created.Mode)

	_, err = f.issuer.Issue(ctx, created.ID, "henry")
	require.NoError(t, err)

	_, err = f.issuer.CreatePolicy(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "codes are unique")

	bad := p
	bad.Code = "BROKEN"
	bad.Rule.Value = decimal.NewFromInt(150)
	_, err = f.issuer.CreatePolicy(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	bad = p
	bad.Code = "BACKWARDS"
	bad.End = bad.Start.Add(-time.Hour)
	_, err = f.issuer.CreatePolicy(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
