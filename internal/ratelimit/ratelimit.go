// Package ratelimit implements a per-user token bucket rate limiter for the
// gateways. No background goroutines: tokens are refilled lazily on each
// Allow call and idle buckets are dropped by Prune.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jkaninda/shellguard/internal/config"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// FromGateway converts a gateway's rate limit section.
func FromGateway(cfg config.RateLimitConfig) Config {
	return Config{RequestsPerMinute: cfg.RequestsPerMinute, BurstSize: cfg.BurstSize}
}

// Limiter is a per-user token bucket rate limiter.
// Each user gets an independent bucket; one user cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	rate  float64 // tokens per second
	burst float64 // max bucket capacity
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		users: make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Unlimited reports whether the limiter never rejects.
func (l *Limiter) Unlimited() bool {
	return l == nil || l.rate <= 0
}

// Allow checks whether the user has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(userID string) error {
	if l.Unlimited() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(userID)
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// RetryAfter returns how long the user must wait for the next token.
// Zero means a request would be allowed now.
func (l *Limiter) RetryAfter(userID string) time.Duration {
	if l.Unlimited() {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(userID)
	if b.tokens >= 1 {
		return 0
	}
	secs := (1 - b.tokens) / l.rate
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// Prune drops buckets that have been idle long enough to be full again.
// It returns the number of buckets removed.
func (l *Limiter) Prune() int {
	if l.Unlimited() {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	full := time.Duration(l.burst / l.rate * float64(time.Second))
	now := l.now()
	removed := 0
	for user, b := range l.users {
		if now.Sub(b.lastFill) >= full {
			delete(l.users, user)
			removed++
		}
	}
	return removed
}

// refill tops up the user's bucket. Must be called with l.mu held.
func (l *Limiter) refill(userID string) *bucket {
	now := l.now()
	b, ok := l.users[userID]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[userID] = b
		return b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = min(b.tokens+elapsed*l.rate, l.burst)
	b.lastFill = now
	return b
}
