// Package ratelimit provides per-key token bucket rate limiting.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps an independent token bucket per key, such as a store ID.
// Buckets idle for longer than the configured TTL are dropped.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*bucket
	limit    rate.Limit
	burst    int

	// Cleanup configuration
	idleTTL     time.Duration
	lastCleanup time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Config holds limiter configuration.
type Config struct {
	// PerSecond is the sustained number of events allowed per second.
	// Zero or negative disables limiting.
	PerSecond float64

	// Burst is the number of events allowed at once.
	Burst int

	// IdleTTL controls how long an unused key is remembered.
	// If 0, defaults to 10 minutes.
	IdleTTL time.Duration
}

// New creates a new rate limiter.
func New(perSecond float64, burst int) *Limiter {
	return NewWithConfig(Config{
		PerSecond: perSecond,
		Burst:     burst,
	})
}

// NewWithConfig creates a new rate limiter with custom configuration.
func NewWithConfig(cfg Config) *Limiter {
	limit := rate.Limit(cfg.PerSecond)
	if cfg.PerSecond <= 0 {
		limit = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL == 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	return &Limiter{
		limiters:    make(map[string]*bucket),
		limit:       limit,
		burst:       cfg.Burst,
		idleTTL:     cfg.IdleTTL,
		lastCleanup: time.Now(),
	}
}

// Allow reports whether an event for key may happen now, consuming a token
// if so.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()
	return l.get(key, now).AllowN(now, 1)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Periodic cleanup of idle keys
	if now.Sub(l.lastCleanup) > l.idleTTL {
		l.cleanup(now)
		l.lastCleanup = now
	}

	b, ok := l.limiters[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// cleanup removes idle buckets. Must be called with mu held.
func (l *Limiter) cleanup(now time.Time) {
	for key, b := range l.limiters {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.limiters, key)
		}
	}
}
