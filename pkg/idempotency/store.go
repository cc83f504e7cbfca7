package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a redis-backed dedup filter. Seen is a SetNX: the first caller
// for a key gets false, every later caller within the TTL gets true. It is
// a fast path only; consumers behind it must stay idempotent on their own.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// NotificationKey identifies one provider delivery: the same transaction
// can legitimately produce several notifications with different statuses.
func (s *Store) NotificationKey(providerTxID, status string) string {
	return fmt.Sprintf("ipn:%s:%s", providerTxID, status)
}

func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
