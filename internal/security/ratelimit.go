package security

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a request exceeds the rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// Bucket names understood by RateLimiter.
const (
	BucketAuth    = "auth"
	BucketCompact = "compact"
)

// RateLimitConfig holds per-minute limits. Zero means default.
type RateLimitConfig struct {
	AuthPerMin    int `yaml:"auth_per_min"`
	CompactPerMin int `yaml:"compact_per_min"`
}

func rateLimitConfigDefaults() RateLimitConfig {
	return RateLimitConfig{
		AuthPerMin:    60,
		CompactPerMin: 600,
	}
}

// RateLimiter implements sliding window rate limiting. Each bucket tracks
// timestamps of recent events within its window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	window time.Duration
	limit  int
	events []time.Time
}

// NewRateLimiter creates a rate limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	defaults := rateLimitConfigDefaults()
	if cfg.AuthPerMin <= 0 {
		cfg.AuthPerMin = defaults.AuthPerMin
	}
	if cfg.CompactPerMin <= 0 {
		cfg.CompactPerMin = defaults.CompactPerMin
	}

	rl := &RateLimiter{
		now: time.Now,
		buckets: map[string]*bucket{
			BucketAuth:    {window: time.Minute, limit: cfg.AuthPerMin},
			BucketCompact: {window: time.Minute, limit: cfg.CompactPerMin},
		},
	}
	return rl
}

// Allow records one event of kind, or returns ErrRateLimited. Unknown
// kinds are unlimited.
func (rl *RateLimiter) Allow(kind string) error {
	return rl.AllowN(kind, 1)
}

// AllowN records n events of kind at once.
func (rl *RateLimiter) AllowN(kind string, n int) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[kind]
	if !ok {
		return nil
	}

	now := rl.now()
	b.evict(now)

	if len(b.events)+n > b.limit {
		return ErrRateLimited
	}
	for range n {
		b.events = append(b.events, now)
	}
	return nil
}

// evict removes events outside the sliding window.
func (b *bucket) evict(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.events) && b.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}
}
