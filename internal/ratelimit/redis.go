package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared-cache limiter for multi-instance deployments. INCR keeps
// counting atomic across instances; the key TTL is refreshed on every failure
// so the window slides from the most recent one.
type Redis struct {
	client      *redis.Client
	maxAttempts int
	window      time.Duration
}

func NewRedis(client *redis.Client, maxAttempts int, window time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{client: client, maxAttempts: maxAttempts, window: window}, nil
}

func (r *Redis) IsLimited(ctx context.Context, subjectKey, sourceAddr string) (bool, error) {
	value, err := r.client.Get(ctx, r.key(subjectKey, sourceAddr)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return false, err
	}
	return count >= r.maxAttempts, nil
}

func (r *Redis) RecordFailure(ctx context.Context, subjectKey, sourceAddr string) error {
	key := r.key(subjectKey, sourceAddr)
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, r.window)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Reset(ctx context.Context, subjectKey, sourceAddr string) error {
	return r.client.Del(ctx, r.key(subjectKey, sourceAddr)).Err()
}

func (r *Redis) RetryAfter(ctx context.Context, subjectKey, sourceAddr string) (time.Duration, error) {
	limited, err := r.IsLimited(ctx, subjectKey, sourceAddr)
	if err != nil || !limited {
		return 0, err
	}
	ttl, err := r.client.PTTL(ctx, r.key(subjectKey, sourceAddr)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (r *Redis) key(subjectKey, sourceAddr string) string {
	return fmt.Sprintf("pickup_attempts:%s", pairKey(subjectKey, sourceAddr))
}
