package recovery

import (
	"math/rand"
	"time"
)

// BackoffPolicy holds the tunables for the exponential-backoff-with-jitter
// formula: delay = min(maxDelay, baseDelay·2^(attempt-1)) + jitter, where
// jitter is drawn uniformly from [0, 0.1·delay).
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoffPolicy matches the distilled defaults: base=1000ms,
// max=30000ms, maxAttempts=3.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 1000 * time.Millisecond, Max: 30000 * time.Millisecond, MaxAttempts: 3}
}

// delay computes the backoff duration for the given 1-indexed attempt
// number, without jitter capped first, jitter added after.
func (p BackoffPolicy) delay(attempt int, jitter func(n int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := p.Base
	// 2^(attempt-1), clamped to avoid overflow for pathologically large attempt counts.
	shift := attempt - 1
	if shift > 32 {
		shift = 32
	}
	exp = p.Base * time.Duration(int64(1)<<uint(shift))
	if exp > p.Max || exp < p.Base {
		exp = p.Max
	}

	maxJitterNanos := int64(float64(exp) * 0.1)
	var j int64
	if maxJitterNanos > 0 {
		j = jitter(maxJitterNanos)
	}
	return exp + time.Duration(j)
}

// Delay computes this attempt's backoff using crypto-uninteresting
// math/rand jitter (not security sensitive: it only smooths retry storms).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.delay(attempt, func(n int64) int64 { return rand.Int63n(n) })
}
