// Package limiter provides admission control for providers.
//
// Two algorithms are available:
//   - TokenBucket: integer bucket refilled once the refill interval has elapsed.
//   - Smooth:      golang.org/x/time/rate limiter, refilling continuously.
package limiter

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether one more request may be admitted. Rejection is a
// normal outcome, not an error.
type Limiter interface {
	Allow() bool
}

// Kind names a limiter algorithm in configuration.
type Kind string

const (
	KindTokenBucket Kind = "token_bucket"
	KindSmooth      Kind = "smooth"
)

// Config describes a limiter. Capacity and Interval apply to the token bucket,
// PerSecond and Capacity (as burst) to the smooth limiter.
type Config struct {
	Kind      Kind
	Capacity  int
	Interval  time.Duration
	PerSecond float64
}

// New builds the limiter described by cfg.
func New(cfg Config) (Limiter, error) {
	switch cfg.Kind {
	case KindTokenBucket, "":
		if cfg.Capacity <= 0 || cfg.Interval <= 0 {
			return nil, fmt.Errorf("limiter: token bucket needs positive capacity and interval, got %d and %v", cfg.Capacity, cfg.Interval)
		}
		return NewTokenBucket(cfg.Capacity, cfg.Interval), nil
	case KindSmooth:
		if cfg.PerSecond <= 0 || cfg.Capacity <= 0 {
			return nil, fmt.Errorf("limiter: smooth limiter needs positive rate and burst, got %v and %d", cfg.PerSecond, cfg.Capacity)
		}
		return NewSmooth(cfg.PerSecond, cfg.Capacity), nil
	}
	return nil, fmt.Errorf("limiter: unknown kind %q", cfg.Kind)
}

// Smooth wraps a rate.Limiter: r tokens per second, bursts up to burst.
type Smooth struct {
	limiter *rate.Limiter
}

func NewSmooth(r float64, burst int) *Smooth {
	return &Smooth{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (s *Smooth) Allow() bool {
	return s.limiter.Allow()
}
