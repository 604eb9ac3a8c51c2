package limiter

import (
	"sync"
	"time"
)

// TokenBucket admits a request while it holds at least one token.
//
// Tokens are not trickled in continuously: once more than one refill interval
// has passed since the last refill, the bucket gains elapsed*refillRate tokens
// (capped at capacity) in one step. The check, refill and decrement happen
// under one lock, so concurrent callers straddling a refill see exactly one refill.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	interval   time.Duration
	refillRate float64 // tokens per millisecond elapsed
	lastRefill time.Time
	now        func() time.Time
}

var _ Limiter = (*TokenBucket)(nil)

// TokenBucketOption configures a TokenBucket.
type TokenBucketOption func(*TokenBucket)

// WithRefillRate sets how many tokens each elapsed millisecond is worth.
// Defaults to capacity/interval, so one full interval refills the bucket.
func WithRefillRate(tokensPerMs float64) TokenBucketOption {
	return func(b *TokenBucket) {
		b.refillRate = tokensPerMs
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TokenBucketOption {
	return func(b *TokenBucket) {
		b.now = now
	}
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(capacity int, interval time.Duration, opts ...TokenBucketOption) *TokenBucket {
	if capacity < 0 {
		capacity = 0
	}
	b := &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		interval: interval,
		now:      time.Now,
	}
	if interval > 0 {
		b.refillRate = float64(capacity) / millis(interval)
	} else {
		b.refillRate = float64(capacity)
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()
	return b
}

func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed > b.interval {
		refill := millis(elapsed) * b.refillRate
		if refill > float64(b.capacity-b.tokens) {
			b.tokens = b.capacity
		} else if refill > 0 {
			b.tokens += int(refill)
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the tokens currently in the bucket.
func (b *TokenBucket) Tokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// millis keeps the fraction so sub-millisecond intervals still refill.
func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
