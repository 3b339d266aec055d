package authfabric

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one rate-limit check, carrying everything the
// response-header middleware needs regardless of allow/deny.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetUnix int64
	Window    time.Duration
	Degraded  bool // shared store was unavailable; local fallback decided
}

// checkAndIncrScript implements the atomic check-and-increment sequence
// from §4.5: read current, reject without mutating if current+cost would
// exceed limit, otherwise increment and set TTL only on first write.
var checkAndIncrScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
if current + cost > limit then
  local ttl = redis.call('TTL', KEYS[1])
  if ttl < 0 then ttl = window end
  return {0, current, ttl}
end
local newVal = redis.call('INCRBY', KEYS[1], cost)
if newVal == cost then
  redis.call('EXPIRE', KEYS[1], window)
end
local ttl = redis.call('TTL', KEYS[1])
return {1, newVal, ttl}
`)

// Limiter enforces the shared, Redis-backed fixed-hour bucket described in
// §4.5, falling back to a conservative process-local limiter when Redis is
// unreachable. The fallback activating is reported via Decision.Degraded so
// the middleware can advertise it in the response.
type Limiter struct {
	redis *redis.Client

	mu       sync.Mutex
	fallback map[string]*rate.Limiter

	// fallbackRate is the conservative fixed budget used in degraded mode
	// (10 req/min/scope per §4.5).
	fallbackRate  float64
	fallbackBurst int
}

// NewLimiter builds a Limiter backed by client. client may be nil to force
// permanent degraded mode (useful in tests and for a Redis-less deployment).
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{
		redis:         client,
		fallback:      make(map[string]*rate.Limiter),
		fallbackRate:  10.0 / 60.0,
		fallbackBurst: 10,
	}
}

// Check applies the atomic check-and-increment for scope, with limit as the
// plan (or per-key override) hourly budget and cost as the query tier's
// multiplier.
func (l *Limiter) Check(ctx context.Context, scope string, limit, cost int) Decision {
	if l.redis != nil {
		d, err := l.checkRedis(ctx, scope, limit, cost)
		if err == nil {
			return d
		}
	}
	return l.checkFallback(scope)
}

func (l *Limiter) checkRedis(ctx context.Context, scope string, limit, cost int) (Decision, error) {
	key := fmt.Sprintf("ratelimit:%s", scope)
	windowSeconds := int(RateLimitWindow.Seconds())

	res, err := checkAndIncrScript.Run(ctx, l.redis, []string{key}, limit, cost, windowSeconds).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("authfabric: redis check-and-increment failed: %w", err)
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("authfabric: unexpected script result shape")
	}

	allowed := toInt64(values[0]) == 1
	current := toInt64(values[1])
	ttl := toInt64(values[2])
	if ttl < 0 {
		ttl = int64(windowSeconds)
	}

	remaining := int64(limit) - current
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: int(remaining),
		ResetUnix: time.Now().Add(time.Duration(ttl) * time.Second).Unix(),
		Window:    RateLimitWindow,
	}, nil
}

func (l *Limiter) checkFallback(scope string) Decision {
	l.mu.Lock()
	lim, ok := l.fallback[scope]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.fallbackRate), l.fallbackBurst)
		l.fallback[scope] = lim
	}
	l.mu.Unlock()

	allowed := lim.Allow()
	return Decision{
		Allowed:   allowed,
		Limit:     l.fallbackBurst,
		Remaining: 0,
		ResetUnix: time.Now().Add(time.Minute).Unix(),
		Window:    time.Minute,
		Degraded:  true,
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
