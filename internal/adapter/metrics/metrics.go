package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the gateway exports. One instance per
// process, registered on its own registry so tests can build them in
// isolation.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ChunksStreamed  *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     prometheus.Counter
	CircuitState    *prometheus.GaugeVec
	PoolUtilisation prometheus.Gauge
	QueueDepth      prometheus.Gauge
	FailoverTotal   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "requests_total",
			Help:      "Stream requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sluice",
			Name:      "request_duration_seconds",
			Help:      "End-to-end stream duration by provider.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		ChunksStreamed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "chunks_streamed_total",
			Help:      "Content chunks delivered to clients by provider.",
		}, []string{"provider"}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier.",
		}, []string{"tier"}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "cache_misses_total",
			Help:      "Requests that missed both cache tiers.",
		}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sluice",
			Name:      "circuit_breaker_state",
			Help:      "Circuit state per provider: 0 closed, 1 half-open, 2 open.",
		}, []string{"provider"}),
		PoolUtilisation: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sluice",
			Name:      "connection_pool_utilisation",
			Help:      "Fraction of pool slots in use.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sluice",
			Name:      "failover_queue_depth",
			Help:      "Unconsumed messages on the failover queue.",
		}),
		FailoverTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sluice",
			Name:      "failover_total",
			Help:      "Requests routed through queue failover by outcome.",
		}, []string{"outcome"}),
	}
}
