package domain

import "time"

type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerRecord mirrors the distributed breaker keys for one upstream.
// HALF_OPEN is virtual: the stored state stays OPEN while a single probe is
// in flight after the recovery timeout.
type CircuitBreakerRecord struct {
	LastFailure time.Time    `json:"last_failure_time"`
	Name        string       `json:"name"`
	State       CircuitState `json:"state"`
	Failures    int64        `json:"failures"`
}
