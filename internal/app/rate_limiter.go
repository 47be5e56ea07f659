package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter admits or refuses one request against key's quota. A refusal is a
// *RateLimitError; any other error means the limiter could not decide.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) error
}

// RateLimitError is returned when a caller used up its quota for the window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry after %ds", ErrRateLimited, e.RetryAfterSeconds())
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfterSeconds rounds up to whole seconds for the Retry-After header.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// quotaScript counts one hit in the key's window and returns {hits, window ms left}.
// A key that lost its expiry is given a fresh window.
var quotaScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local left = redis.call("PTTL", KEYS[1])
if left < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  left = tonumber(ARGV[1])
end
return {hits, left}
`)

// RedisRateLimiter keeps fixed-window quotas in Redis so every replica shares them.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: strings.TrimSuffix(prefix, ":") + ":rate_limit"}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	if limit <= 0 || window <= 0 {
		return nil
	}
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	reply, err := quotaScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, windowMs).Int64Slice()
	if err != nil {
		return fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(reply) != 2 {
		return fmt.Errorf("rate limit %s: unexpected reply %v", key, reply)
	}
	if reply[0] <= int64(limit) {
		return nil
	}
	return &RateLimitError{RetryAfter: time.Duration(reply[1]) * time.Millisecond}
}
