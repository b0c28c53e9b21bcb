package provider

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the delay before retry number attempt (starting at 1).
// Implementations must be safe for concurrent use.
type BackoffStrategy interface {
	NextInterval(attempt int) time.Duration
}

// ExponentialBackoff grows the delay geometrically, capped at MaxInterval,
// with optional jitter so concurrent callers spread out.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

// NextInterval returns min(Initial * Multiplier^(attempt-1) * (1 ± Jitter), Max).
func (e ExponentialBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.InitialInterval
	if initial == 0 {
		initial = 200 * time.Millisecond
	}
	maxInterval := e.MaxInterval
	if maxInterval == 0 {
		maxInterval = 2 * time.Second
	}
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if e.JitterFactor > 0 {
		interval *= 1 + (rand.Float64()*2-1)*e.JitterFactor
	}
	if interval > float64(maxInterval) {
		interval = float64(maxInterval)
	}
	return time.Duration(interval)
}

// FixedBackoff waits the same duration before every retry.
type FixedBackoff struct {
	Interval time.Duration
}

func (f FixedBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// DefaultBackoff keeps the total retry delay well under the request timeout.
func DefaultBackoff() BackoffStrategy {
	return ExponentialBackoff{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		JitterFactor:    0.2,
	}
}
