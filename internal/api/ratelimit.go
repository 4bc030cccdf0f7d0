package api

import (
	"context"
	"sync"
	"time"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/cache"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

// RateLimiter decides whether another request under key fits the budget
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// NewRateLimiter returns a fixed-window limiter allowing limit requests per
// window. Counters live in Redis when c is enabled so replicas share them.
// A non-positive limit disables limiting and returns nil.
func NewRateLimiter(limit int, window time.Duration, c *cache.Cache) RateLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	if c.Enabled() {
		logger.Info("Using Redis rate limiter", "limit", limit, "window", window)
		return &redisLimiter{cache: c, limit: int64(limit), window: window}
	}
	logger.Info("Using in-memory rate limiter", "limit", limit, "window", window)
	return newMemoryLimiter(limit, window, time.Now)
}

type redisLimiter struct {
	cache  *cache.Cache
	limit  int64
	window time.Duration
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.cache.IncrWindow(ctx, "ratelimit:"+key, l.window)
	if err != nil {
		return false, err
	}
	return n <= l.limit, nil
}

type windowCount struct {
	start time.Time
	count int
}

type memoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]*windowCount
	now    func() time.Time
}

func newMemoryLimiter(limit int, window time.Duration, now func() time.Time) *memoryLimiter {
	return &memoryLimiter{
		limit:  limit,
		window: window,
		counts: make(map[string]*windowCount),
		now:    now,
	}
}

func (l *memoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wc, ok := l.counts[key]
	if !ok || now.Sub(wc.start) >= l.window {
		wc = &windowCount{start: now}
		l.counts[key] = wc
	}
	wc.count++
	return wc.count <= l.limit, nil
}
