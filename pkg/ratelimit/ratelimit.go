// Package ratelimit provides per-actor request limiting for the planner HTTP
// surface. Multi-instance deployments share a token bucket in Redis; without
// Redis a local limiter keeps single-instance deployments bounded.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Policy is a token bucket policy.
type Policy struct {
	RPM   int // sustained requests per minute
	Burst int // bucket capacity
}

// DefaultPolicy allows a steady 120 rpm with short bursts.
func DefaultPolicy() Policy {
	return Policy{RPM: 120, Burst: 30}
}

// Limiter answers whether an actor may proceed.
type Limiter interface {
	Allow(ctx context.Context, actorID string, cost int) (bool, error)
}

// tokenBucketScript runs the refill-and-consume step atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, microsecond precision)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter shares one token bucket per actor across instances.
type RedisLimiter struct {
	client *redis.Client
	policy Policy
}

// NewRedisLimiter connects to Redis at addr.
func NewRedisLimiter(addr, password string, db int, policy Policy) *RedisLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiter{client: client, policy: policy}
}

// Allow runs the bucket script for the actor.
func (l *RedisLimiter) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	key := "limiter:" + actorID
	perSecond := float64(l.policy.RPM) / 60.0
	if perSecond <= 0 {
		perSecond = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		perSecond, l.policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }

// LocalLimiter keeps one in-process bucket per actor. Idle buckets are evicted
// so the map does not grow without bound.
type LocalLimiter struct {
	mu      sync.Mutex
	policy  Policy
	buckets map[string]*localBucket
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter builds an in-process limiter.
func NewLocalLimiter(policy Policy) *LocalLimiter {
	return &LocalLimiter{
		policy:  policy,
		buckets: make(map[string]*localBucket),
	}
}

// Allow consumes cost tokens from the actor's bucket.
func (l *LocalLimiter) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[actorID]
	if !ok {
		perSecond := rate.Limit(float64(l.policy.RPM) / 60.0)
		if perSecond <= 0 {
			perSecond = 1
		}
		b = &localBucket{limiter: rate.NewLimiter(perSecond, l.policy.Burst)}
		l.buckets[actorID] = b
	}
	b.lastSeen = now

	if len(l.buckets) > 10000 {
		for id, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) > 10*time.Minute {
				delete(l.buckets, id)
			}
		}
	}
	return b.limiter.AllowN(now, cost), nil
}

// RetryAfterSeconds estimates how long a limited caller should back off.
func (p Policy) RetryAfterSeconds() int {
	if p.RPM <= 0 {
		return 1
	}
	s := 60 / p.RPM
	if s < 1 {
		s = 1
	}
	return s
}
