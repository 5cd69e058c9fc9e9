package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/application"
	"github.com/dmehra2102/Coupon-Reservation-System/internal/coupon/domain"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool, q: pool}
}

func (r *Repository) WithinTx(ctx context.Context, fn func(tx application.Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&Repository{log: r.log, pool: r.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const policyColumns = `id, code, name, discount_type, discount_value::text, max_discount::text, distribution_mode,
	start_at, end_at, max_issue_count, max_issue_per_user, current_issue_count, active, created_at, updated_at`

func (r *Repository) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	var end *time.Time
	if !p.End.IsZero() {
		end = &p.End
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO coupon_policies (code, name, discount_type, discount_value, max_discount, distribution_mode,
			start_at, end_at, max_issue_count, max_issue_per_user, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id`,
		p.Code, p.Name, p.Rule.Type, p.Rule.Value.String(), decimalText(p.Rule.MaxDiscount), p.Mode,
		p.Start, end, p.MaxIssueCount, p.MaxIssuePerUser, p.Active, p.CreatedAt,
	).Scan(&p.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: policy code %s already exists", domain.ErrInvalidState, p.Code)
	}
	return err
}

func (r *Repository) GetPolicy(ctx context.Context, policyID int64) (domain.Policy, error) {
	var (
		p       domain.Policy
		value   string
		maxDisc *string
		end     *time.Time
	)
	err := r.q.QueryRow(ctx, `SELECT `+policyColumns+` FROM coupon_policies WHERE id = $1`, policyID).
		Scan(&p.ID, &p.Code, &p.Name, &p.Rule.Type, &value, &maxDisc, &p.Mode,
			&p.Start, &end, &p.MaxIssueCount, &p.MaxIssuePerUser, &p.CurrentIssueCount, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Policy{}, fmt.Errorf("%w: policy %d", domain.ErrNotFound, policyID)
	}
	if err != nil {
		return domain.Policy{}, err
	}
	if p.Rule.Value, err = decimal.NewFromString(value); err != nil {
		return domain.Policy{}, err
	}
	if p.Rule.MaxDiscount, err = parseDecimal(maxDisc); err != nil {
		return domain.Policy{}, err
	}
	if end != nil {
		p.End = *end
	}
	return p, nil
}

func (r *Repository) CountActiveIssues(ctx context.Context, policyID int64, userID string) (int64, error) {
	var n int64
	err := r.q.QueryRow(ctx, `
		SELECT count(*) FROM coupon_issues
		WHERE policy_id = $1 AND user_id = $2 AND status <> 'CANCELLED'`, policyID, userID).Scan(&n)
	return n, err
}

const couponColumns = `id, policy_id, user_id, status, reservation_id, order_id, discount_type, discount_value::text,
	max_discount::text, discount_amount::text, issued_at, reserved_at, used_at, expired_at, cancelled_at, valid_until, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCoupon(row rowScanner) (domain.Coupon, error) {
	var (
		c          domain.Coupon
		value      string
		maxDisc    *string
		amount     *string
		validUntil *time.Time
	)
	if err := row.Scan(&c.ID, &c.PolicyID, &c.UserID, &c.Status, &c.ReservationID, &c.OrderID,
		&c.Rule.Type, &value, &maxDisc, &amount, &c.IssuedAt, &c.ReservedAt, &c.UsedAt, &c.ExpiredAt,
		&c.CancelledAt, &validUntil, &c.Version); err != nil {
		return domain.Coupon{}, err
	}
	var err error
	if c.Rule.Value, err = decimal.NewFromString(value); err != nil {
		return domain.Coupon{}, err
	}
	if c.Rule.MaxDiscount, err = parseDecimal(maxDisc); err != nil {
		return domain.Coupon{}, err
	}
	if c.DiscountAmount, err = parseDecimal(amount); err != nil {
		return domain.Coupon{}, err
	}
	if validUntil != nil {
		c.ValidUntil = *validUntil
	}
	return c, nil
}

func (r *Repository) getCoupon(ctx context.Context, couponID int64, suffix string) (domain.Coupon, error) {
	c, err := scanCoupon(r.q.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupon_issues WHERE id = $1`+suffix, couponID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Coupon{}, fmt.Errorf("%w: coupon %d", domain.ErrNotFound, couponID)
	}
	return c, err
}

func (r *Repository) GetCoupon(ctx context.Context, couponID int64) (domain.Coupon, error) {
	return r.getCoupon(ctx, couponID, "")
}

func (r *Repository) GetCouponForUpdate(ctx context.Context, couponID int64) (domain.Coupon, error) {
	if !r.inTx {
		r.log.Warn("row lock requested outside a transaction", "coupon_id", couponID)
	}
	c, err := r.getCoupon(ctx, couponID, " FOR UPDATE")
	return c, lockError(err, couponID)
}

func (r *Repository) ListStaleReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Coupon, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+couponColumns+`
		FROM coupon_issues
		WHERE status = 'RESERVED' AND reserved_at < $1
		ORDER BY reserved_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCoupon claims one unit of durable stock and inserts the coupon in the
// same transaction. The guarded update is what keeps current_issue_count
// within max_issue_count even if the ledger drifted.
func (r *Repository) CreateCoupon(ctx context.Context, c *domain.Coupon) error {
	return r.WithinTx(ctx, func(tx application.Repository) error {
		q := tx.(*Repository).q

		ct, err := q.Exec(ctx, `
			UPDATE coupon_policies
			SET current_issue_count = current_issue_count + 1, updated_at = now()
			WHERE id = $1 AND (max_issue_count IS NULL OR current_issue_count < max_issue_count)`, c.PolicyID)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			if _, err := tx.GetPolicy(ctx, c.PolicyID); err != nil {
				return err
			}
			return fmt.Errorf("%w: policy %d at durable limit", domain.ErrStockExhausted, c.PolicyID)
		}

		c.Version = 0
		return q.QueryRow(ctx, `
			INSERT INTO coupon_issues (policy_id, user_id, status, reservation_id, order_id, discount_type,
				discount_value, max_discount, issued_at, valid_until, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8::text::numeric, $9, $10, 0)
			RETURNING id`,
			c.PolicyID, c.UserID, c.Status, c.ReservationID, c.OrderID, c.Rule.Type,
			c.Rule.Value.String(), decimalText(c.Rule.MaxDiscount), c.IssuedAt, timeOrNil(c.ValidUntil),
		).Scan(&c.ID)
	})
}

func (r *Repository) UpdateCoupon(ctx context.Context, c *domain.Coupon) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE coupon_issues
		SET status = $3, reservation_id = $4, order_id = $5, discount_amount = $6::text::numeric,
			reserved_at = $7, used_at = $8, expired_at = $9, cancelled_at = $10, version = version + 1
		WHERE id = $1 AND version = $2`,
		c.ID, c.Version, c.Status, c.ReservationID, c.OrderID, decimalText(c.DiscountAmount),
		c.ReservedAt, c.UsedAt, c.ExpiredAt, c.CancelledAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		if _, err := r.GetCoupon(ctx, c.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: coupon %d version %d", domain.ErrVersionConflict, c.ID, c.Version)
	}
	c.Version++
	return nil
}

const reservationColumns = `id, coupon_id, user_id, order_id, discount_amount::text, lock_token, status, reserved_at, expires_at`

func (r *Repository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	var (
		res    domain.Reservation
		amount string
	)
	err := r.q.QueryRow(ctx, `SELECT `+reservationColumns+` FROM coupon_reservations WHERE id = $1`, reservationID).
		Scan(&res.ID, &res.CouponID, &res.UserID, &res.OrderID, &amount, &res.LockToken, &res.Status, &res.ReservedAt, &res.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, reservationID)
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.DiscountAmount, err = decimal.NewFromString(amount); err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

func (r *Repository) SaveReservation(ctx context.Context, res domain.Reservation) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO coupon_reservations (id, coupon_id, user_id, order_id, discount_amount, lock_token, status, reserved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9)`,
		res.ID, res.CouponID, res.UserID, res.OrderID, res.DiscountAmount.String(), res.LockToken, res.Status,
		res.ReservedAt, res.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: reservation %s already exists", domain.ErrInvalidState, res.ID)
	}
	return err
}

func (r *Repository) UpdateReservation(ctx context.Context, res domain.Reservation) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE coupon_reservations SET order_id = $2, status = $3 WHERE id = $1`,
		res.ID, res.OrderID, res.Status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: reservation %s", domain.ErrNotFound, res.ID)
	}
	return nil
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// lockError reports a row lock wait cut off by lock_timeout as contention.
func lockError(err error, couponID int64) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return fmt.Errorf("%w: coupon %d row lock: %s", domain.ErrLockContention, couponID, pgErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
