// Package ratelimit throttles requests on the durable interface, per
// identity or per remote address.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// fixedWindow increments the counter and starts its window on first use,
// in one round trip.
const fixedWindow = `
local current = redis.call("incr", KEYS[1])
if current == 1 then
  redis.call("expire", KEYS[1], ARGV[1])
end
return current
`

// Redis is a fixed-window limiter shared by every process using the same
// Redis.
type Redis struct {
	client *redis.Client
	script *redis.Script
	prefix string
	limit  int
	window time.Duration
}

// NewRedis allows limit requests per window for each key.
func NewRedis(client *redis.Client, prefix string, limit int, window time.Duration) *Redis {
	if window < time.Second {
		window = time.Second
	}
	return &Redis{
		client: client,
		script: redis.NewScript(fixedWindow),
		prefix: strings.TrimSuffix(prefix, ":"),
		limit:  limit,
		window: window,
	}
}

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	count, err := r.script.Run(ctx, r.client, []string{r.key(key)}, int(r.window.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return count <= r.limit, nil
}

func (r *Redis) key(key string) string {
	return r.prefix + ":" + key
}

// Local keeps one token bucket per key in process memory.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewLocal allows limit requests per window for each key, with bursts up
// to limit.
func NewLocal(limit int, window time.Duration) *Local {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Local{
		buckets: make(map[string]*bucket),
		limit:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    2 * window,
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) > 10000 {
			l.evictLocked(now)
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1), nil
}

func (l *Local) evictLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.idle {
			delete(l.buckets, k)
		}
	}
}
