package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func previewRateKey(projectID string) string { return "ratelimit:preview:" + projectID }

// RateLimiter admits at most Limit events per window for a key. The gateway
// keys it by project to bound preview traffic.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a sliding-window limiter backed by one sorted set
// per key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// admit evicts entries older than the window and records ARGV[4] only when
// fewer than ARGV[3] remain, so rejected calls do not extend the block.
// Scores are microseconds to stay exact in Lua numbers.
var admit = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	redis.call("zremrangebyscore", KEYS[1], "-inf", now - window)
	if redis.call("zcard", KEYS[1]) >= tonumber(ARGV[3]) then
		return 0
	end
	redis.call("zadd", KEYS[1], now, ARGV[4])
	redis.call("pexpire", KEYS[1], math.ceil(window / 1000) * 2)
	return 1
`)

func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := admit.Run(ctx, r.client, []string{previewRateKey(key)},
		r.now().UnixMicro(), r.window.Microseconds(), r.limit, uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter for %q: %w", key, err)
	}
	return n == 1, nil
}
