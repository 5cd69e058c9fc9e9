package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers which inbound messages were already handled. It is a fast
// filter in front of handlers that are idempotent on their own: a key is only
// marked once its message was processed, so a crash mid-handling leaves the
// redelivery unfiltered.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func (s *Store) Key(kind string, parts ...string) string {
	return "idem:" + kind + ":" + strings.Join(parts, ":")
}

// Done reports whether key was marked as handled.
func (s *Store) Done(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// Mark records key as handled for the store's TTL.
func (s *Store) Mark(ctx context.Context, key string) error {
	return s.rdb.Set(ctx, key, "1", s.ttl).Err()
}
