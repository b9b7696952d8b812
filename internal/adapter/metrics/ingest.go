package metrics

import "github.com/prometheus/client_golang/prometheus"

// IngestMetrics holds Prometheus metrics for inbound node chunks.
type IngestMetrics struct {
	Chunks *prometheus.CounterVec
	Bytes  prometheus.Counter
}

// NewIngestMetrics creates and registers ingestion metrics on the given registry.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Total number of node chunks seen, by result.",
		}, []string{"result"}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "forwarded_bytes_total",
			Help:      "Total number of serial bytes forwarded to subscribers.",
		}),
	}

	reg.MustRegister(m.Chunks, m.Bytes)
	return m
}
