package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims expired calls, then admits the new call only if
// the window has room. Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  return {0, count, tonumber(oldest[2])}
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window)
return {1, count + 1, 0}
`)

// Redis is a sliding-window limiter whose state lives in Redis sorted sets.
type Redis struct {
	client redis.Scripter
	rate   Rate
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter. Keys are namespaced by prefix.
func NewRedis(client redis.Scripter, rate Rate, prefix string) (*Redis, error) {
	if err := rate.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "gearbase:ratelimit"
	}
	return &Redis{client: client, rate: rate, prefix: prefix, now: time.Now}, nil
}

// Allow records a call under key if it fits in the window.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	nowMs := r.now().UnixMilli()
	windowMs := r.rate.Window.Milliseconds()

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.prefix + ":" + key},
		nowMs, windowMs, r.rate.Limit, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}

	if res[0] == 1 {
		return Decision{
			Allowed:   true,
			Limit:     r.rate.Limit,
			Remaining: r.rate.Limit - int(res[1]),
		}, nil
	}

	retry := time.Duration(res[2]+windowMs-nowMs) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, Limit: r.rate.Limit, RetryAfter: retry}, nil
}
