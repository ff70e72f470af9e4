// Package ratelimit throttles extractor invocations across every worker
// sharing one Redis instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"document-intake/internal/telemetry"
)

// DefaultKey is the bucket shared by all extraction attempts.
const DefaultKey = "intake:extract"

// Limiter blocks until the caller may proceed.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket is a distributed token bucket kept in a Redis hash.
type TokenBucket struct {
	client   *redis.Client
	key      string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, key string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if key == "" {
		key = DefaultKey
	}
	return &TokenBucket{
		client:   client,
		key:      key,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes one token if available and reports the tokens left.
func (b *TokenBucket) Allow(ctx context.Context) (bool, float64, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed == 1, tokens, nil
}

// Wait polls Allow until a token is granted or ctx ends. The poll interval
// is the time one token takes to refill, capped to a second.
func (b *TokenBucket) Wait(ctx context.Context) error {
	interval := time.Second
	if b.refill > 0 {
		if d := time.Duration(float64(time.Second) / b.refill); d < interval {
			interval = d
		}
	}
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	for {
		ok, _, err := b.Allow(ctx)
		if err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		if ok {
			return nil
		}
		telemetry.RateLimitWaits.Inc()
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Lua script keeps refill and take atomic; integer tokens come back as
// Redis integers, so fractional state is truncated in the reply only.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
