package application

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var errNoLongerStale = errors.New("reservation no longer stale")

// TimeoutSweeper reverts reservations nobody paid for within the timeout.
type TimeoutSweeper struct {
	log      *slog.Logger
	repo     Repository
	now      Clock
	retries  int
	timeout  time.Duration
	batch    int
	interval time.Duration
}

func NewTimeoutSweeper(log *slog.Logger, repo Repository, opts ...Option) *TimeoutSweeper {
	o := applyOptions(opts)
	return &TimeoutSweeper{
		log:      log,
		repo:     repo,
		now:      o.now,
		retries:  o.conflictRetries,
		timeout:  o.reservationTimeout,
		batch:    o.sweepBatch,
		interval: o.sweepInterval,
	}
}

func (s *TimeoutSweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("timeout sweeper stopping")
			return nil
		case <-t.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("timeout sweep failed", "err", err)
			}
		}
	}
}

// RunOnce processes one batch of stale reservations and returns how many were
// reverted. A row that fails is logged and left for the next sweep.
func (s *TimeoutSweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.repo.ListStaleReservations(ctx, now.Add(-s.timeout), s.batch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, candidate := range stale {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		err := retryConflict(ctx, s.retries, func() error {
			return s.repo.WithinTx(ctx, func(tx Repository) error {
				c, err := tx.GetCouponForUpdate(ctx, candidate.ID)
				if err != nil {
					return err
				}
				// confirmed or cancelled since it was listed
				if !c.ReservationStale(now, s.timeout) {
					return errNoLongerStale
				}
				if err := c.ExpireReservation(); err != nil {
					return err
				}
				return tx.UpdateCoupon(ctx, &c)
			})
		})
		switch {
		case err == nil:
			processed++
			s.log.Info("reservation timed out", "coupon_id", candidate.ID, "reservation_id", candidate.ReservationID)
		case errors.Is(err, errNoLongerStale):
			s.log.Debug("reservation resolved before sweep", "coupon_id", candidate.ID)
		default:
			s.log.Error("reservation timeout revert failed", "coupon_id", candidate.ID, "reservation_id", candidate.ReservationID, "err", err)
		}
	}
	return processed, nil
}
