package reliability

import (
	"math"
	"time"
)

// Backoff computes the delay to wait after a failed attempt.
// Attempts are 1-based: Delay(1) is the wait after the first failure.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier after every attempt.
// A zero MaxInterval leaves the delay uncapped.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) ExponentialBackoff {
	return ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
	}
}

// Delay implements Backoff
func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		return e.MaxInterval
	}
	// float overflow past ~292 years
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// ConstantBackoff waits the same interval after every attempt.
type ConstantBackoff struct {
	Interval time.Duration
}

// Delay implements Backoff
func (c ConstantBackoff) Delay(int) time.Duration {
	return c.Interval
}

// Delays returns the first n delays produced by b.
func Delays(b Backoff, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}
