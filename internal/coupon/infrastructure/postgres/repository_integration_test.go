//go:build integration

package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/application"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/infrastructure/postgres"
	couponredis "github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/infrastructure/redis"
	"github.com/dmehra2102/Coupon-Reservation-System/test/integration"
)

var (
	pool           *pgxpool.Pool
	rdb            *goredis.Client
	integrationURL string
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	env, err := integration.Setup(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "integration setup:", err)
		os.Exit(1)
	}

	integrationURL = env.PGURL
	pool, err = pgxpool.New(ctx, env.PGURL)
	if err == nil {
		err = postgres.Migrate(ctx, pool)
	}
	if err != nil {
		env.Teardown(ctx)
		fmt.Fprintln(os.Stderr, "postgres:", err)
		os.Exit(1)
	}
	rdb = goredis.NewClient(&goredis.Options{Addr: env.RedisAddr})

	code := m.Run()

	_ = rdb.Close()
	pool.Close()
	env.Teardown(ctx)
	os.Exit(code)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPolicy(t *testing.T, repo *postgres.Repository, maxTotal, maxPerUser *int64) domain.Policy {
	t.Helper()
	capAmount := decimal.RequireFromString("20.00")
	p := domain.Policy{
		Code: fmt.Sprintf("P-%d", time.Now().UnixNano()),
		Name: "integration",
		Rule: domain.DiscountRule{
			Type:        domain.DiscountPercentage,
			Value:       decimal.NewFromInt(10),
			MaxDiscount: &capAmount,
		},
		Mode:            domain.DistributionCode,
		Start:           time.Now().Add(-time.Hour).UTC(),
		End:             time.Now().Add(24 * time.Hour).UTC(),
		MaxIssueCount:   maxTotal,
		MaxIssuePerUser: maxPerUser,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, repo.CreatePolicy(context.Background(), &p))
	return p
}

func limit(n int64) *int64 { return &n }

func TestPolicyRoundTrip(t *testing.T) {
	repo := postgres.NewRepository(discardLogger(), pool)
	p := newPolicy(t, repo, limit(5), nil)

	got, err := repo.GetPolicy(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Code, got.Code)
	assert.Equal(t, domain.DiscountPercentage, got.Rule.Type)
	assert.True(t, got.Rule.Value.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, got.Rule.MaxDiscount)
	assert.True(t, got.Rule.MaxDiscount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, int64(5), *got.MaxIssueCount)
	assert.Nil(t, got.MaxIssuePerUser)

	dup := p
	err = repo.CreatePolicy(context.Background(), &dup)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = repo.GetPolicy(context.Background(), -1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateCouponRespectsDurableLimit(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewRepository(discardLogger(), pool)
	p := newPolicy(t, repo, limit(2), nil)

	for i := 0; i < 2; i++ {
		c := domain.NewCoupon(p, "durable", time.Now().UTC())
		require.NoError(t, repo.CreateCoupon(ctx, &c))
		assert.NotZero(t, c.ID)
	}
	c := domain.NewCoupon(p, "durable", time.Now().UTC())
	require.ErrorIs(t, repo.CreateCoupon(ctx, &c), domain.ErrStockExhausted)

	got, err := repo.GetPolicy(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.CurrentIssueCount)

	n, err := repo.CountActiveIssues(ctx, p.ID, "durable")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpdateCouponVersionCheck(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewRepository(discardLogger(), pool)
	p := newPolicy(t, repo, nil, nil)

	c := domain.NewCoupon(p, "versioned", time.Now().UTC())
	require.NoError(t, repo.CreateCoupon(ctx, &c))

	stale := c
	_, err := c.Reserve("R-v1", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.UpdateCoupon(ctx, &c))
	assert.Equal(t, int64(1), c.Version)

	_, err = stale.Reserve("R-v2", time.Now().UTC())
	require.NoError(t, err)
	assert.ErrorIs(t, repo.UpdateCoupon(ctx, &stale), domain.ErrVersionConflict)

	got, err := repo.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "R-v1", got.ReservationID)
	assert.Equal(t, domain.StatusReserved, got.Status)

	missing := domain.Coupon{ID: -5}
	assert.ErrorIs(t, repo.UpdateCoupon(ctx, &missing), domain.ErrNotFound)
}

func TestWithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := postgres.NewRepository(discardLogger(), pool)
	p := newPolicy(t, repo, nil, nil)
	c := domain.NewCoupon(p, "rollback", time.Now().UTC())
	require.NoError(t, repo.CreateCoupon(ctx, &c))

	boom := fmt.Errorf("boom")
	err := repo.WithinTx(ctx, func(tx application.Repository) error {
		locked, err := tx.GetCouponForUpdate(ctx, c.ID)
		require.NoError(t, err)
		_, err = locked.Reserve("R-tx", time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, tx.UpdateCoupon(ctx, &locked))
		require.NoError(t, tx.SaveReservation(ctx, domain.Reservation{
			ID: "R-tx-" + fmt.Sprint(c.ID), CouponID: c.ID, UserID: c.UserID,
			DiscountAmount: decimal.NewFromInt(1), Status: domain.ReservationPending,
			ReservedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(time.Minute).UTC(),
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIssued, got.Status)
	_, err = repo.GetReservation(ctx, "R-tx-"+fmt.Sprint(c.ID))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEndToEndAgainstPostgresAndRedis(t *testing.T) {
	ctx := context.Background()
	log := discardLogger()
	repo := postgres.NewRepository(log, pool)
	ledger := couponredis.NewLedger(rdb)
	locker := couponredis.NewLocker(rdb)
	notifier := postgres.NewOutboxNotifier(log, pool)
	p := newPolicy(t, repo, limit(20), limit(1))

	issuer := application.NewIssuer(log, repo, ledger)
	coord := application.NewCoordinator(log, repo, locker)
	payments := application.NewPaymentReconciler(log, repo, locker, notifier)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		issued []domain.Coupon
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := issuer.Issue(ctx, p.ID, fmt.Sprintf("e2e-%d", i))
			if err == nil {
				mu.Lock()
				issued = append(issued, c)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrStockExhausted)
		}(i)
	}
	wg.Wait()
	require.Len(t, issued, 20)

	remaining, seeded, err := ledger.Value(ctx, domain.StockKey(p.ID))
	require.NoError(t, err)
	require.True(t, seeded)
	assert.Zero(t, remaining)

	c := issued[0]
	resID := fmt.Sprintf("R-e2e-%d", c.ID)
	res, err := coord.Apply(ctx, c.UserID, c.ID, resID, domain.OrderContext{OrderID: "O-e2e", OrderAmount: decimal.NewFromInt(500)})
	require.NoError(t, err)
	assert.True(t, res.DiscountAmount.Equal(decimal.NewFromInt(20)), "percentage capped at 20")

	ev := domain.PaymentCompleted{ReservationID: resID, OrderID: "O-e2e", UserID: c.UserID, CouponID: c.ID, PaymentAmount: decimal.NewFromInt(480)}
	out, err := payments.OnPaymentCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.Applied, out)
	out, err = payments.OnPaymentCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.Replayed, out)

	var payload []byte
	err = pool.QueryRow(ctx, `SELECT payload FROM outbox WHERE type = $1 AND aggregate_id = $2`,
		domain.EventCouponUsed, fmt.Sprint(c.ID)).Scan(&payload)
	require.NoError(t, err)
	var used domain.CouponUsed
	require.NoError(t, json.Unmarshal(payload, &used))
	assert.Equal(t, "O-e2e", used.OrderID)
	assert.True(t, used.DiscountAmount.Equal(decimal.NewFromInt(20)))

	store := postgres.NewOutboxStore(log, pool)
	events, err := store.LockBatch(ctx, "relay-test", 100, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	require.NoError(t, store.MarkSent(ctx, ids))
	again, err := store.LockBatch(ctx, "relay-test", 100, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRowLockWaitIsBounded(t *testing.T) {
	ctx := context.Background()
	bounded, err := postgres.Connect(ctx, integrationURL, 5*time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	defer bounded.Close()

	repo := postgres.NewRepository(discardLogger(), pool)
	p := newPolicy(t, repo, nil, nil)
	c := domain.NewCoupon(p, "locked", time.Now().UTC())
	require.NoError(t, repo.CreateCoupon(ctx, &c))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- repo.WithinTx(ctx, func(tx application.Repository) error {
			if _, err := tx.GetCouponForUpdate(ctx, c.ID); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	start := time.Now()
	err = postgres.NewRepository(discardLogger(), bounded).WithinTx(ctx, func(tx application.Repository) error {
		_, err := tx.GetCouponForUpdate(ctx, c.ID)
		return err
	})
	close(release)
	require.ErrorIs(t, err, domain.ErrLockContention)
	assert.Less(t, time.Since(start), 3*time.Second)
	require.NoError(t, <-done)
}
