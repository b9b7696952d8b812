package broadcast

import (
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/domain"
)

const defaultQueueSize = 64

// subscriberWriter is the single outbound FIFO queue of one subscriber.
// Envelopes are written in the order they were enqueued by the hub loop.
type subscriberWriter struct {
	subscriber  domain.Subscriber
	device      string
	clock       clockwork.Clock
	metrics     *metrics.HubMetrics
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newSubscriberWriter(device string, subscriber domain.Subscriber, queueSize int, clock clockwork.Clock, m *metrics.HubMetrics) *subscriberWriter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sw := &subscriberWriter{
		subscriber:  subscriber,
		device:      device,
		clock:       clock,
		metrics:     m,
		sendChannel: make(chan []byte, queueSize),
		doneChannel: make(chan struct{}),
	}
	sw.wg.Add(1)
	go sw.run()
	return sw
}

// enqueue never blocks. It reports false when the queue is full.
func (sw *subscriberWriter) enqueue(data []byte) bool {
	select {
	case sw.sendChannel <- data:
		return true
	default:
		return false
	}
}

func (sw *subscriberWriter) run() {
	defer sw.wg.Done()

	for {
		select {
		case msg := <-sw.sendChannel:
			sw.deliver(msg)
		case <-sw.doneChannel:
			return
		}
	}
}

func (sw *subscriberWriter) deliver(msg []byte) {
	start := sw.clock.Now()
	if err := sw.subscriber.Send(msg); err != nil {
		// The subscriber stays registered; only its own close notification removes it.
		slog.Warn("Delivery to subscriber failed",
			"device", sw.device,
			"subscriber_id", sw.subscriber.ID(),
			"remote_addr", sw.subscriber.RemoteAddr(),
			"error", err,
		)
		sw.record(metrics.DeliverySendError)
		return
	}
	sw.record(metrics.DeliveryOK)
	slog.Debug("Delivered envelope", "device", sw.device, "subscriber_id", sw.subscriber.ID(), "duration", sw.clock.Since(start))
}

func (sw *subscriberWriter) record(result string) {
	if sw.metrics != nil {
		sw.metrics.Deliveries.WithLabelValues(result).Inc()
	}
}

// stop signals the writer goroutine to exit without waiting for an in-flight Send.
// Queued envelopes that were not yet written are discarded.
func (sw *subscriberWriter) stop() {
	sw.stopOnce.Do(func() {
		close(sw.doneChannel)
	})
}

func (sw *subscriberWriter) wait() {
	sw.wg.Wait()
}
