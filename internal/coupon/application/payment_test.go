package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/application/mocks"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

func completed(reservationID, orderID string) domain.PaymentCompleted {
	return domain.PaymentCompleted{
		ReservationID: reservationID,
		OrderID:       orderID,
		UserID:        "u-1",
		CouponID:      1001,
		PaymentAmount: decimal.NewFromInt(100),
	}
}

func TestPaymentCompletedConfirmsReservation(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	_, err := f.coord.Apply(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	out, err := f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Applied, out)

	c := f.get(t, 1001)
	assert.Equal(t, domain.StatusUsed, c.Status)
	assert.Equal(t, "O-1", c.OrderID)
	require.NotNil(t, c.DiscountAmount)
	assert.True(t, decimal.NewFromInt(10).Equal(*c.DiscountAmount), "discount taken from the reservation record")
	require.NotNil(t, c.UsedAt)
	assert.Equal(t, t0.Add(time.Minute), *c.UsedAt)

	r, err := f.repo.GetReservation(ctx, "R-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, r.Status)

	used := f.notifier.Used()
	require.Len(t, used, 1)
	assert.Equal(t, "O-1", used[0].OrderID)
	assert.Equal(t, "R-1", used[0].ReservationID)
}

func TestDuplicatePaymentCompletedNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	notifier.EXPECT().
		CouponUsed(gomock.Any(), gomock.AssignableToTypeOf(domain.CouponUsed{})).
		Return(nil).
		Times(1)
	f.build(f.repo, notifier)

	_, err := f.coord.Reserve(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)

	ev := completed("R-1", "O-1")
	ev.DiscountAmount = decimal.RequireFromString("7.50")

	out, err := f.payments.OnPaymentCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.Applied, out)
	version := f.get(t, 1001).Version

	out, err = f.payments.OnPaymentCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.Replayed, out)

	c := f.get(t, 1001)
	assert.Equal(t, version, c.Version, "a replay must not write")
	assert.True(t, decimal.RequireFromString("7.50").Equal(*c.DiscountAmount))
}

func TestNotifierFailureDoesNotUndoConfirmation(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	notifier.EXPECT().CouponUsed(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
	f.build(f.repo, notifier)

	_, err := f.coord.Reserve(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)

	out, err := f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Applied, out)
	assert.Equal(t, domain.StatusUsed, f.get(t, 1001).Status)
}

func TestLatePaymentAfterTimeout(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	_, err := f.coord.Apply(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)

	f.clock.Advance(timeout + time.Minute)
	n, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	c := f.get(t, 1001)
	assert.Equal(t, domain.StatusIssued, c.Status)
	assert.Equal(t, "R-1", c.ReservationID)
	assert.Nil(t, c.ReservedAt)

	out, err := f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Applied, out)

	c = f.get(t, 1001)
	assert.Equal(t, domain.StatusUsed, c.Status)
	assert.Equal(t, "O-1", c.OrderID)

	r, err := f.repo.GetReservation(ctx, "R-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationConfirmed, r.Status)
}

func TestPaymentCompletedMismatchAndUnknown(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	_, err := f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	assert.ErrorIs(t, err, domain.ErrReservationMismatch, "ISSUED coupon never reserved under R-1")

	_, err = f.coord.Reserve(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)

	_, err = f.payments.OnPaymentCompleted(ctx, completed("R-other", "O-1"))
	require.ErrorIs(t, err, domain.ErrReservationMismatch)
	assert.Equal(t, "RESERVATION_ID_MISMATCH", domain.CodeOf(err))
	assert.Equal(t, domain.StatusReserved, f.get(t, 1001).Status)

	ev := completed("R-1", "O-1")
	ev.CouponID = 4242
	_, err = f.payments.OnPaymentCompleted(ctx, ev)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.payments.OnPaymentCompleted(ctx, domain.PaymentCompleted{CouponID: 1001})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPaymentCompletedForCancelledCoupon(t *testing.T) {
	f := newFixture(t)
	f.policy(1, nil, nil)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	_, err := f.coord.Reserve(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)
	_, err = f.issuer.Cancel(ctx, 1001)
	require.NoError(t, err)

	_, err = f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestPaymentFailedRevertsReservation(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	_, err := f.coord.Apply(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)

	fail := domain.PaymentFailed{ReservationID: "R-1", CouponID: 1001, Reason: "card declined"}
	out, err := f.payments.OnPaymentFailed(ctx, fail)
	require.NoError(t, err)
	assert.Equal(t, domain.Applied, out)

	c := f.get(t, 1001)
	assert.Equal(t, domain.StatusIssued, c.Status)
	assert.Empty(t, c.ReservationID)
	assert.Nil(t, c.ReservedAt)

	r, err := f.repo.GetReservation(ctx, "R-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, r.Status)

	out, err = f.payments.OnPaymentFailed(ctx, fail)
	require.NoError(t, err)
	assert.Equal(t, domain.Ignored, out)

	// the failed attempt can no longer complete
	_, err = f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	assert.ErrorIs(t, err, domain.ErrReservationMismatch)

	_, err = f.coord.Apply(ctx, "u-1", 1001, "R-2", order("O-2", "100"))
	require.NoError(t, err)
}

func TestPaymentFailedAfterUseIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	_, err := f.coord.Reserve(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)
	_, err = f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	require.NoError(t, err)

	out, err := f.payments.OnPaymentFailed(ctx, domain.PaymentFailed{ReservationID: "R-1", CouponID: 1001})
	require.NoError(t, err)
	assert.Equal(t, domain.Ignored, out)
	assert.Equal(t, domain.StatusUsed, f.get(t, 1001).Status)

	_, err = f.payments.OnPaymentFailed(ctx, domain.PaymentFailed{CouponID: 1001})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPaymentCompletedForAnotherOrderOnUsedCoupon(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	_, err := f.coord.Apply(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)
	_, err = f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	require.NoError(t, err)
	before := f.get(t, 1001)

	out, err := f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.Replayed, out)

	_, err = f.payments.OnPaymentCompleted(ctx, completed("R-1", "O-other"))
	require.ErrorIs(t, err, domain.ErrOrderMismatch)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, "ORDER_MISMATCH", domain.CodeOf(err))

	after := f.get(t, 1001)
	assert.Equal(t, "O-1", after.OrderID)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, f.notifier.Used(), 1)
}

func TestPaymentCompletedForAnotherUser(t *testing.T) {
	f := newFixture(t)
	f.coupon(1001, "u-1")
	ctx := context.Background()

	_, err := f.coord.Reserve(ctx, "u-1", 1001, "R-1", order("O-1", "100"))
	require.NoError(t, err)

	ev := completed("R-1", "O-1")
	ev.UserID = "u-2"
	_, err = f.payments.OnPaymentCompleted(ctx, ev)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, domain.StatusReserved, f.get(t, 1001).Status)

	ev.UserID = ""
	out, err := f.payments.OnPaymentCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.Applied, out)
}
