package application_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/application"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/infrastructure/memory"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *testClock
	repo     *memory.Repository
	ledger   *memory.Ledger
	locker   *memory.Locker
	notifier *memory.Notifier
	issuer   *application.Issuer
	coord    *application.Coordinator
	sweeper  *application.TimeoutSweeper
	payments *application.PaymentReconciler
}

const timeout = 15 * time.Minute

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: t0}
	f := &fixture{
		clock:    clock,
		repo:     memory.NewRepository(),
		ledger:   memory.NewLedger(),
		locker:   memory.NewLocker(clock.Now),
		notifier: memory.NewNotifier(discardLogger()),
	}
	f.build(f.repo, f.notifier)
	return f
}

// build wires the services against repo, which may wrap f.repo.
func (f *fixture) build(repo application.Repository, notifier application.Notifier) {
	opts := []application.Option{
		application.WithClock(f.clock.Now),
		application.WithReservationTimeout(timeout),
		application.WithLock(10*time.Second, 50*time.Millisecond),
		application.WithConflictRetries(5),
		application.WithSweep(time.Minute, 100),
	}
	log := discardLogger()
	f.issuer = application.NewIssuer(log, repo, f.ledger, opts...)
	f.coord = application.NewCoordinator(log, repo, f.locker, opts...)
	f.sweeper = application.NewTimeoutSweeper(log, repo, opts...)
	f.payments = application.NewPaymentReconciler(log, repo, f.locker, notifier, opts...)
}

func limit(n int64) *int64 { return &n }

func (f *fixture) policy(id int64, maxTotal, maxPerUser *int64) domain.Policy {
	p := domain.Policy{
		ID:              id,
		Code:            "SPRING",
		Name:            "Spring sale",
		Rule:            domain.DiscountRule{Type: domain.DiscountFixed, Value: decimal.NewFromInt(10)},
		Mode:            domain.DistributionCode,
		Start:           t0.Add(-time.Hour),
		End:             t0.Add(30 * 24 * time.Hour),
		MaxIssueCount:   maxTotal,
		MaxIssuePerUser: maxPerUser,
		Active:          true,
	}
	f.repo.AddPolicy(p)
	return p
}

// coupon seeds an ISSUED coupon with a fixed id for userID.
func (f *fixture) coupon(id int64, userID string) domain.Coupon {
	c := domain.Coupon{
		ID:         id,
		PolicyID:   1,
		UserID:     userID,
		Status:     domain.StatusIssued,
		Rule:       domain.DiscountRule{Type: domain.DiscountPercentage, Value: decimal.NewFromInt(10)},
		IssuedAt:   t0,
		ValidUntil: t0.Add(24 * time.Hour),
	}
	f.repo.AddCoupon(c)
	return c
}

func (f *fixture) get(t *testing.T, id int64) domain.Coupon {
	t.Helper()
	c, err := f.repo.GetCoupon(context.Background(), id)
	if err != nil {
		t.Fatalf("get coupon %d: %v", id, err)
	}
	return c
}

func order(id, amount string) domain.OrderContext {
	return domain.OrderContext{OrderID: id, OrderAmount: decimal.RequireFromString(amount)}
}

// failingRepo lets a test break individual repository calls.
type failingRepo struct {
	application.Repository
	createErr error
	updateErr error
}

func (r *failingRepo) CreateCoupon(ctx context.Context, c *domain.Coupon) error {
	if r.createErr != nil {
		return r.createErr
	}
	return r.Repository.CreateCoupon(ctx, c)
}

func (r *failingRepo) UpdateCoupon(ctx context.Context, c *domain.Coupon) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	return r.Repository.UpdateCoupon(ctx, c)
}

func (r *failingRepo) WithinTx(ctx context.Context, fn func(tx application.Repository) error) error {
	return r.Repository.WithinTx(ctx, func(tx application.Repository) error {
		return fn(&failingRepo{Repository: tx, createErr: r.createErr, updateErr: r.updateErr})
	})
}
