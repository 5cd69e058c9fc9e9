package postgres

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/outbox"
	"github.com/dmehra2102/Coupon-Reservation-System/pkg/tracing"
)

// maxOutboxRetries is how often a failed event is handed back to the relay
// before it stays failed for manual replay.
const maxOutboxRetries = 5

type OutboxStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewOutboxStore(log *slog.Logger, pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{log: log, pool: pool}
}

// LockBatch leases pending events, events whose lease lapsed because their
// relay died, and failed events that still have retries left.
func (s *OutboxStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]outbox.Event, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, type, payload, headers, traceparent, created_at, retry_count
		FROM outbox
		WHERE status = 'pending'
		   OR (status = 'in_progress' AND lease_until < now())
		   OR (status = 'failed' AND retry_count < $2)
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, batchSize, maxOutboxRetries)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var event outbox.Event
		var headers map[string]string
		if err := rows.Scan(&event.ID, &event.AggregateType, &event.AggregateID, &event.Type, &event.Payload,
			&headers, &event.Traceparent, &event.CreatedAt, &event.RetryCount); err != nil {
			return nil, err
		}
		event.Headers = headers
		event.Status = outbox.StatusInProgress
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}

	_, err = tx.Exec(ctx, `UPDATE outbox SET status='in_progress', relay_id=$1, lease_until=now() + $2::interval WHERE id = ANY($3)`,
		relayID, lease.String(), ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE outbox SET status='sent', lease_until=NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errors.New("no rows updated")
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status='failed', last_error=$2, retry_count=retry_count+1, lease_until=NULL WHERE id=$1`, id, errMsg)
	return err
}

// OutboxNotifier records CouponUsed notifications as outbox rows for the relay
// to publish.
type OutboxNotifier struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewOutboxNotifier(log *slog.Logger, pool *pgxpool.Pool) *OutboxNotifier {
	return &OutboxNotifier{log: log, pool: pool}
}

func (n *OutboxNotifier) CouponUsed(ctx context.Context, ev domain.CouponUsed) error {
	event, err := outbox.NewEvent("coupon", strconv.FormatInt(ev.CouponID, 10), domain.EventCouponUsed, ev)
	if err != nil {
		return err
	}
	event.Headers["coupon_id"] = event.AggregateID
	event.Headers["reservation_id"] = ev.ReservationID
	event.Traceparent = tracing.Traceparent(ctx)

	_, err = n.pool.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.AggregateType, event.AggregateID, event.Type, event.Payload, event.Headers, event.Traceparent, string(event.Status))
	if err != nil {
		return err
	}
	n.log.Debug("coupon used queued", "coupon_id", ev.CouponID, "order_id", ev.OrderID)
	return nil
}
