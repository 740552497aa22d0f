package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter caps outbound send throughput with a per-second counter in
// Redis. Check and increment happen in one Lua script: the GET → check →
// INCR pattern races under concurrent batches, the script does not.
type RateLimiter struct {
	rdb       *redis.Client
	perSecond int
	script    *redis.Script
}

const rateLimitLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
	return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
	redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewRateLimiter creates a limiter allowing perSecond sends per second.
// A non-positive limit disables limiting.
func NewRateLimiter(rdb *redis.Client, perSecond int) *RateLimiter {
	return &RateLimiter{
		rdb:       rdb,
		perSecond: perSecond,
		script:    redis.NewScript(rateLimitLuaScript),
	}
}

// Reserve atomically records n sends against the current one-second
// bucket. When the bucket is full it returns false and how long to wait
// before the next bucket opens.
func (r *RateLimiter) Reserve(ctx context.Context, n int) (allowed bool, wait time.Duration, err error) {
	if r.perSecond <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	key := fmt.Sprintf("mailer:ratelimit:sec:%d", now.Unix())

	result, err := r.script.Run(ctx, r.rdb, []string{key},
		n, r.perSecond,
		2, // bucket TTL in seconds, one past its window
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	// Next second bucket
	wait = time.Until(now.Truncate(time.Second).Add(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return false, wait, nil
}

// Usage reports the current one-second bucket count and the limit.
func (r *RateLimiter) Usage(ctx context.Context) (current int64, limit int, err error) {
	key := fmt.Sprintf("mailer:ratelimit:sec:%d", time.Now().Unix())
	current, err = r.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return 0, r.perSecond, fmt.Errorf("rate limit usage: %w", err)
	}
	return current, r.perSecond, nil
}
