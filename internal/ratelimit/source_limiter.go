package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SourceLimiter throttles enrichment payloads per source using a token
// bucket in Redis. Each source (vendor webhook, device/geo detector) refills
// independently, so one bursty vendor cannot starve the others.
type SourceLimiter struct {
	client *redis.Client
	burst  int
	refill float64 // tokens per second
	ttl    time.Duration
}

// NewSourceLimiter constructs a limiter with the provided burst/refill.
func NewSourceLimiter(client *redis.Client, burst int, refillPerSecond float64, ttl time.Duration) *SourceLimiter {
	return &SourceLimiter{
		client: client,
		burst:  burst,
		refill: refillPerSecond,
		ttl:    ttl,
	}
}

func sourceKey(source string) string {
	return "enrich:rl:" + source
}

// Allow consumes a single token for the source if available.
// Returns the allowed flag and the remaining token count.
func (l *SourceLimiter) Allow(ctx context.Context, source string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{sourceKey(source)}, l.burst, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end

local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
