package metrics

import "github.com/prometheus/client_golang/prometheus"

// ControlMetrics holds Prometheus metrics for device control actions.
type ControlMetrics struct {
	Actions *prometheus.CounterVec
}

// NewControlMetrics creates and registers control metrics on the given registry.
func NewControlMetrics(reg prometheus.Registerer) *ControlMetrics {
	m := &ControlMetrics{
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "actions_total",
			Help:      "Total number of device control actions, by action and result.",
		}, []string{"action", "result"}),
	}

	reg.MustRegister(m.Actions)
	return m
}
