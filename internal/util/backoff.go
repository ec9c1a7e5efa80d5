package util

import (
	"math"
	"time"
)

// CalculateExponentialBackoff computes exponential backoff with optional jitter.
// Formula: baseDelay * 2^(attempt-1), capped at maxDelay
func CalculateExponentialBackoff(attempt int, baseDelay time.Duration, maxDelay time.Duration, jitterPercent float64) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := float64(baseDelay) * math.Pow(2, float64(attempt-1))

	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}

	if jitterPercent > 0 {
		// Time-based pseudo-random avoids import of math/rand
		pseudoRandom := float64(time.Now().UnixNano()%1000) / 1000.0
		jitter := backoff * jitterPercent * (pseudoRandom - 0.5)
		backoff += jitter
	}

	return time.Duration(backoff)
}

// CalculateRequeueBackoff computes the sleep before a denied failover request
// is re-produced to the topic: min(base * 2^retry, cap).
func CalculateRequeueBackoff(retryCount int, base, cap time.Duration) time.Duration {
	if retryCount <= 0 {
		return base
	}
	backoff := float64(base) * math.Pow(2, float64(retryCount))
	if backoff > float64(cap) {
		return cap
	}
	return time.Duration(backoff)
}
