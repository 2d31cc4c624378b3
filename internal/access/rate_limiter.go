package access

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/medrex/ehr-access/pkg/config"
)

// RateLimiter keeps one token bucket per client key
type RateLimiter struct {
	buckets    map[string]*bucket
	bucketsMux sync.Mutex
	limit      rate.Limit
	burst      int
	ttl        time.Duration
	now        func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMin per key with the given burst
func NewRateLimiter(requestsPerMin, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(requestsPerMin) / 60.0),
		burst:   burst,
		ttl:     10 * time.Minute,
		now:     time.Now,
	}
}

// NewRateLimiterFromConfig creates a limiter from configuration
func NewRateLimiterFromConfig(cfg config.RateLimitConfig) *RateLimiter {
	return NewRateLimiter(cfg.RequestsPerMin, cfg.BurstSize)
}

// Allow consumes one token for key
func (rl *RateLimiter) Allow(key string) bool {
	rl.bucketsMux.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = rl.now()
	rl.bucketsMux.Unlock()

	return b.limiter.Allow()
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()
	return len(rl.buckets)
}

// cleanup removes buckets idle for longer than the ttl
func (rl *RateLimiter) cleanup() {
	rl.bucketsMux.Lock()
	defer rl.bucketsMux.Unlock()

	cutoff := rl.now().Add(-rl.ttl)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup evicts idle buckets every interval until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
}
