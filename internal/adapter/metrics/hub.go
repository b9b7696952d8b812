package metrics

import "github.com/prometheus/client_golang/prometheus"

// Delivery results recorded by the hub.
const (
	DeliveryOK        = "ok"
	DeliverySendError = "send_error"
	DeliveryQueueFull = "queue_full"
)

// HubMetrics holds Prometheus metrics for the per-device broadcast hub.
type HubMetrics struct {
	Subscribers        *prometheus.GaugeVec
	Broadcasts         *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	RosterPublications prometheus.Counter
	RosterStale        prometheus.Counter
	CommandQueueDepth  prometheus.Gauge
	Panics             prometheus.Counter
}

// NewHubMetrics creates and registers hub metrics on the given registry.
func NewHubMetrics(reg prometheus.Registerer) *HubMetrics {
	m := &HubMetrics{
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of subscribers currently watching a device.",
		}, []string{"device"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcast events, by event type.",
		}, []string{"type"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Total number of per-subscriber deliveries, by result.",
		}, []string{"result"}),
		RosterPublications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "roster_publications_total",
			Help:      "Total number of roster broadcasts.",
		}),
		RosterStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "roster_stale_total",
			Help:      "Roster computations discarded because a newer roster was already published.",
		}),
		CommandQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "command_queue_depth",
			Help:      "Current depth of the hub command channel.",
		}),
		Panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "panics_total",
			Help:      "Total hub loop panic recoveries.",
		}),
	}

	reg.MustRegister(m.Subscribers, m.Broadcasts, m.Deliveries, m.RosterPublications, m.RosterStale, m.CommandQueueDepth, m.Panics)
	return m
}
