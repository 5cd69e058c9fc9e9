package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool whose sessions abort statements running longer than
// statementTimeout and row-lock waits longer than lockTimeout. A zero limit
// keeps the server default.
func Connect(ctx context.Context, url string, statementTimeout, lockTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(url, statementTimeout, lockTimeout)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func poolConfig(url string, statementTimeout, lockTimeout time.Duration) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	params := cfg.ConnConfig.RuntimeParams
	if statementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	}
	if lockTimeout > 0 {
		params["lock_timeout"] = strconv.FormatInt(lockTimeout.Milliseconds(), 10)
	}
	return cfg, nil
}
