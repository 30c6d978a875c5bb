package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rideflow/internal/ride/domain"
)

const (
	defaultKeyPrefix = "ride:driver:reservation:"
	pendingValue     = "pending"
)

// RedisStore keeps one key per pending offer and lets Redis expire it when the
// acceptance window closes.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisStore constructs the store. An empty prefix selects the default.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: prefix}
}

func (r *RedisStore) key(k domain.ReservationKey) string {
	return r.keyPrefix + k.String()
}

// PutWithTTL writes (or overwrites) the reservation with a fresh TTL.
func (r *RedisStore) PutWithTTL(ctx context.Context, key domain.ReservationKey, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: reservation ttl must be positive", domain.ErrValidation)
	}
	if err := r.client.Set(ctx, r.key(key), pendingValue, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Exists reports whether the reservation is still live.
func (r *RedisStore) Exists(ctx context.Context, key domain.ReservationKey) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}

// DeleteIfExists relies on DEL returning the number of removed keys, so only
// one of several concurrent callers observes true.
func (r *RedisStore) DeleteIfExists(ctx context.Context, key domain.ReservationKey) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n == 1, nil
}
