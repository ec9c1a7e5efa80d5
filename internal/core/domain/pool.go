package domain

// AdmissionResult is the outcome of a pool acquire.
type AdmissionResult int

const (
	AdmissionGranted AdmissionResult = iota
	AdmissionExhausted
	AdmissionUserLimit
)

func (r AdmissionResult) String() string {
	switch r {
	case AdmissionGranted:
		return "granted"
	case AdmissionExhausted:
		return "exhausted"
	case AdmissionUserLimit:
		return "user_limit"
	default:
		return "unknown"
	}
}

// PoolHealth summarises utilisation for the health endpoint and load shedder.
type PoolHealth string

const (
	PoolHealthy   PoolHealth = "healthy"
	PoolDegraded  PoolHealth = "degraded"
	PoolCritical  PoolHealth = "critical"
	PoolExhausted PoolHealth = "exhausted"
)

// PoolStats is a point-in-time snapshot of the admission controller.
type PoolStats struct {
	Total       int64      `json:"total"`
	Capacity    int64      `json:"capacity"`
	PerUserMax  int64      `json:"per_user_max"`
	ActiveUsers int        `json:"active_users"`
	Utilisation float64    `json:"utilisation"`
	Health      PoolHealth `json:"health"`
	Degraded    bool       `json:"degraded"`
}
