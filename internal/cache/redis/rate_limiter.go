package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/uszkair/coin-signals-ai-sub000/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

var slidingWindow = redis.NewScript(slidingWindowLua)

// RateLimiter counts local API requests per client in a sorted set, so the
// limit holds across every process sharing the Redis instance.
type RateLimiter struct {
	c *Client
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c}
}

// Take records one request for key unless limit requests already fall
// inside the trailing window.
func (rl *RateLimiter) Take(ctx context.Context, key string, limit int, window time.Duration) (domain.Quota, error) {
	res, err := slidingWindow.Run(ctx, rl.c.Underlying(),
		[]string{rl.c.key("ratelimit", key)},
		time.Now().UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return domain.Quota{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 2 {
		return domain.Quota{}, fmt.Errorf("redis: rate limit %s: unexpected reply %v", key, res)
	}
	return domain.Quota{
		Allowed:   res[0] == 1,
		Remaining: max(limit-int(res[1]), 0),
	}, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
