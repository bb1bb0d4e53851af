package retry

import (
	"math"
	"math/rand"
	"time"
)

// DelayFunc returns the pause before the given attempt (2, 3, ...).
// A nil DelayFunc retries immediately.
type DelayFunc func(attempt int) time.Duration

// Constant waits d before every retry
func Constant(d time.Duration) DelayFunc {
	return func(int) time.Duration {
		return d
	}
}

// Linear waits base, 2*base, 3*base, ... capped at ceiling when ceiling > 0
func Linear(base, ceiling time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		delay := base * time.Duration(retryIndex(attempt)+1)
		if ceiling > 0 && delay > ceiling {
			return ceiling
		}
		return delay
	}
}

// ExponentialPolicy configures exponential backoff
type ExponentialPolicy struct {
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// Exponential waits InitialDelay * Multiplier^n, capped at MaxDelay and
// spread by RandomizeFactor.
func Exponential(policy ExponentialPolicy) DelayFunc {
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Minute
	}
	return func(attempt int) time.Duration {
		return policy.calculateDelay(retryIndex(attempt))
	}
}

// calculateDelay calculates the delay for the n-th retry, starting at 0
func (p ExponentialPolicy) calculateDelay(n int) time.Duration {
	// Base delay calculation with exponential backoff
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n))

	// Apply max delay cap
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Apply randomization factor (jitter)
	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta

		// Random value between min and max
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec
	}

	return time.Duration(delay)
}

// Strategy builds the DelayFunc named by strategy: none, constant,
// linear or exponential. Unknown names fall back to none.
func Strategy(strategy string, initial, ceiling time.Duration, multiplier float64, jitter bool) DelayFunc {
	switch strategy {
	case "constant":
		return Constant(initial)
	case "linear":
		return Linear(initial, ceiling)
	case "exponential":
		policy := ExponentialPolicy{
			InitialDelay: initial,
			MaxDelay:     ceiling,
			Multiplier:   multiplier,
		}
		if jitter {
			policy.RandomizeFactor = 0.25
		}
		return Exponential(policy)
	default:
		return nil
	}
}

// retryIndex maps attempt 2 to retry 0
func retryIndex(attempt int) int {
	if attempt < 2 {
		return 0
	}
	return attempt - 2
}
