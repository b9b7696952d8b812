package metrics

import "github.com/prometheus/client_golang/prometheus"

// ResolverMetrics holds Prometheus metrics for the reverse-lookup cache.
type ResolverMetrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Failures      *prometheus.CounterVec
	LookupSeconds prometheus.Histogram
}

// NewResolverMetrics creates and registers resolver metrics on the given registry.
func NewResolverMetrics(reg prometheus.Registerer) *ResolverMetrics {
	m := &ResolverMetrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "cache_hits_total",
			Help:      "Total number of reverse lookups served from cache.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "cache_misses_total",
			Help:      "Total number of reverse lookups that hit DNS.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "failures_total",
			Help:      "Total number of reverse lookups that fell back to the raw address, by reason.",
		}, []string{"reason"}),
		LookupSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "lookup_duration_seconds",
			Help:      "Duration of reverse DNS lookups in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}),
	}

	reg.MustRegister(m.Hits, m.Misses, m.Failures, m.LookupSeconds)
	return m
}
