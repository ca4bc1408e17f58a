package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const window = time.Minute

var _ Limiter = (*Redis)(nil)

// Redis is a fixed one-minute window shared by every API replica.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Connect parses a redis:// URL and verifies the connection.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: ping redis: %w", err)
	}
	return client, nil
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := r.now()
	slot := now.Truncate(window)
	redisKey := r.prefix + ":" + key + ":" + strconv.FormatInt(slot.Unix(), 10)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.Expire(ctx, redisKey, 2*window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: %w", err)
	}
	count := int(incr.Val())
	if count > perMinute {
		return Decision{Allowed: false, RetryAfter: slot.Add(window).Sub(now)}, nil
	}
	return Decision{Allowed: true, Remaining: perMinute - count}, nil
}
