// Package ingest forwards raw node traffic to the subscribers of the node's device.
package ingest

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/domain"
)

// Chunk results recorded in metrics.
const (
	resultForwarded = "forwarded"
	resultIgnored   = "ignored"
	resultInvalid   = "invalid_utf8"
)

// Broadcaster delivers an event to every subscriber of a device.
type Broadcaster interface {
	Broadcast(device string, event domain.Event)
}

type Adapter struct {
	broadcaster Broadcaster
	metrics     *metrics.IngestMetrics
}

// NewAdapter creates an ingestion adapter. m may be nil.
func NewAdapter(broadcaster Broadcaster, m *metrics.IngestMetrics) *Adapter {
	return &Adapter{broadcaster: broadcaster, metrics: m}
}

// Attach registers the adapter as a data listener on every node.
func (a *Adapter) Attach(nodes ...domain.Node) {
	for _, node := range nodes {
		node.OnData(a.OnNodeData)
	}
}

// OnNodeData forwards a chunk received from the serial side of a node.
// Echoes of browser input and raw TCP traffic are ignored. Chunks that are not
// valid UTF-8 are dropped.
func (a *Adapter) OnNodeData(node domain.Node, source string, data []byte) {
	if source != domain.SourceSerial {
		a.record(resultIgnored)
		return
	}

	if !utf8.Valid(data) {
		slog.Warn("Dropping undecodable serial chunk",
			"device", node.DeviceName(),
			"node", node.Name(),
			"bytes", len(data),
		)
		a.record(resultInvalid)
		return
	}

	a.broadcaster.Broadcast(node.DeviceName(), domain.DataEvent{Node: node.Name(), Data: string(data)})
	a.record(resultForwarded)
	if a.metrics != nil {
		a.metrics.Bytes.Add(float64(len(data)))
	}
}

func (a *Adapter) record(result string) {
	if a.metrics != nil {
		a.metrics.Chunks.WithLabelValues(result).Inc()
	}
}
