package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements SharedStore on a Redis key per (uid, app),
// holding the unix send timestamp with the cooldown as TTL. Writes are
// idempotent "set last-sent-now" operations, so no locking is needed.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(uid, appID string) string {
	return fmt.Sprintf("apphub:proactive_sent_at:%s:%s", uid, appID)
}

func (s *RedisStore) SentAt(ctx context.Context, uid, appID string) (time.Time, time.Duration, bool, error) {
	key := s.key(uid, appID)

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, 0, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, err
	}
	secs, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, 0, false, fmt.Errorf("malformed sent-at value %q: %w", val, err)
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return time.Time{}, 0, false, err
	}
	// TTL reports -1 (no expiry) / -2 (gone) as negative durations.
	if ttl < 0 {
		ttl = 0
	}
	return time.Unix(secs, 0), ttl, true, nil
}

func (s *RedisStore) MarkSent(ctx context.Context, uid, appID string, ts time.Time, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(uid, appID), strconv.FormatInt(ts.Unix(), 10), ttl).Err()
}
