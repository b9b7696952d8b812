package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/domain"
)

const (
	commandTimeout        = 5 * time.Second // Actor command timeout
	stopTimeout           = 10 * time.Second
	defaultResolveTimeout = 3 * time.Second
	commandQueueSize      = 256
)

type member struct {
	subscriber domain.Subscriber
	writer     *subscriberWriter
}

// deviceMembers is keyed by subscriber ID.
type deviceMembers map[string]*member

// rosterState orders roster computations that resolve concurrently off the loop.
type rosterState struct {
	requested uint64
	published uint64
}

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type joinCmd struct {
	baseHubCmd
	device       string
	subscriber   domain.Subscriber
	welcome      []domain.Welcome
	errorChannel chan error
}

type leaveCmd struct {
	baseHubCmd
	device       string
	subscriberID string
}

type membersCmd struct {
	baseHubCmd
	device       string
	replyChannel chan []domain.Subscriber
}

type broadcastCmd struct {
	baseHubCmd
	device    string
	eventType string
	data      []byte
}

type rosterResultCmd struct {
	baseHubCmd
	device     string
	generation uint64
	names      []string
}

type stopCmd struct {
	baseHubCmd
}

// Config tunes a Hub.
type Config struct {
	// VersionHash is the process-wide build tag stamped on every envelope.
	VersionHash string
	// MaxSubscribersPerDevice rejects joins beyond the limit. Zero disables the limit.
	MaxSubscribersPerDevice int
	// QueueSize bounds each subscriber's outbound queue.
	QueueSize int
	// ResolveTimeout bounds the reverse lookups of one roster computation.
	ResolveTimeout time.Duration
}

// Hub tracks which subscribers watch which device and fans events out to them.
type Hub struct {
	cmdCh    chan hubCmd
	clock    clockwork.Clock
	devices  domain.DeviceDirectory
	resolver domain.AddressResolver
	metrics  *metrics.HubMetrics
	config   Config
	members  map[string]deviceMembers
	rosters  map[string]*rosterState
	done     chan struct{}
}

// NewHub creates a hub and starts its loop.
// devices is consulted on Join; resolver turns subscriber addresses into roster names.
// m may be nil.
func NewHub(devices domain.DeviceDirectory, resolver domain.AddressResolver, clock clockwork.Clock, m *metrics.HubMetrics, cfg Config) *Hub {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	h := &Hub{
		cmdCh:    make(chan hubCmd, commandQueueSize),
		clock:    clock,
		devices:  devices,
		resolver: resolver,
		metrics:  m,
		config:   cfg,
		members:  make(map[string]deviceMembers),
		rosters:  make(map[string]*rosterState),
		done:     make(chan struct{}),
	}
	go h.run()
	return h
}

// Join adds a subscriber to a device. The welcome events are produced on the hub
// loop once the subscriber is registered and queued before any broadcast, so a
// state change broadcast after they were read still reaches the subscriber.
// Fails with domain.ErrDeviceNotFound for unknown devices.
func (h *Hub) Join(device string, subscriber domain.Subscriber, welcome ...domain.Welcome) error {
	if !h.devices.Exists(device) {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, device)
	}

	errCh := make(chan error, 1)
	cmd := joinCmd{device: device, subscriber: subscriber, welcome: welcome, errorChannel: errCh}
	if err := h.send(cmd); err != nil {
		return err
	}
	return awaitReply(h, errCh)
}

// Leave removes a subscriber from a device. Leaving twice is a no-op.
func (h *Hub) Leave(device string, subscriber domain.Subscriber) {
	if err := h.send(leaveCmd{device: device, subscriberID: subscriber.ID()}); err != nil {
		slog.Warn("Failed to unregister subscriber", "device", device, "subscriber_id", subscriber.ID(), "error", err)
	}
}

// Members returns a copy of the device's subscribers taken at call time.
func (h *Hub) Members(device string) []domain.Subscriber {
	replyCh := make(chan []domain.Subscriber, 1)
	if err := h.send(membersCmd{device: device, replyChannel: replyCh}); err != nil {
		slog.Warn("Members query failed", "device", device, "error", err)
		return nil
	}
	members, err := awaitReply(h, replyCh)
	if err != nil {
		slog.Warn("Members query failed", "device", device, "error", err)
		return nil
	}
	return members
}

// SubscriberCount returns the number of subscribers watching a device.
func (h *Hub) SubscriberCount(device string) int {
	return len(h.Members(device))
}

// Healthy reports whether the hub loop is still answering commands.
func (h *Hub) Healthy() error {
	replyCh := make(chan []domain.Subscriber, 1)
	if err := h.send(membersCmd{replyChannel: replyCh}); err != nil {
		return err
	}
	_, err := awaitReply(h, replyCh)
	return err
}

// Broadcast delivers an event to every current subscriber of a device.
// Broadcasting to a device without subscribers is a no-op.
func (h *Hub) Broadcast(device string, event domain.Event) {
	data, err := encodeEnvelope(h.config.VersionHash, event)
	if err != nil {
		slog.Error("Failed to encode broadcast event", "device", device, "type", event.EventType(), "error", err)
		return
	}
	if err := h.send(broadcastCmd{device: device, eventType: event.EventType(), data: data}); err != nil {
		slog.Warn("Broadcast dropped", "device", device, "type", event.EventType(), "error", err)
	}
}

// Stop shuts the hub down and closes every subscriber that supports it.
// Blocks until the loop has exited or the stop timeout is reached.
func (h *Hub) Stop() {
	if err := h.send(stopCmd{}); err != nil {
		slog.Warn("Hub stop request failed", "error", err)
		return
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) send(cmd hubCmd) error {
	select {
	case <-h.done:
		return domain.ErrHubStopped
	default:
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case h.cmdCh <- cmd:
		return nil
	case <-h.done:
		return domain.ErrHubStopped
	case <-timer.Chan():
		return fmt.Errorf("hub command %T timed out after %v", cmd, commandTimeout)
	}
}

func awaitReply[T any](h *Hub, replyCh <-chan T) (T, error) {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-h.done:
		var zero T
		return zero, domain.ErrHubStopped
	case <-timer.Chan():
		var zero T
		return zero, fmt.Errorf("hub reply timed out after %v", commandTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			if h.metrics != nil {
				h.metrics.Panics.Inc()
			}
			h.closeAll("hub panic")
		}
	}()

	depthTicker := h.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(h.cmdCh)
			if h.metrics != nil {
				h.metrics.CommandQueueDepth.Set(float64(depth))
			}
			if depth > commandQueueSize*4/5 {
				slog.Warn("Hub command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case joinCmd:
				h.handleJoin(c)
			case leaveCmd:
				h.handleLeave(c)
			case membersCmd:
				c.replyChannel <- h.subscribers(c.device)
			case broadcastCmd:
				h.handleBroadcast(c)
			case rosterResultCmd:
				h.handleRosterResult(c)
			case stopCmd:
				h.closeAll("Server shutting down")
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleJoin(c joinCmd) {
	members, exists := h.members[c.device]
	if !exists {
		members = make(deviceMembers)
		h.members[c.device] = members
	}

	id := c.subscriber.ID()
	if _, dup := members[id]; dup {
		c.errorChannel <- nil
		return
	}

	if h.config.MaxSubscribersPerDevice > 0 && len(members) >= h.config.MaxSubscribersPerDevice {
		slog.Warn("Rejecting subscriber: max subscribers reached", "device", c.device, "max_subscribers", h.config.MaxSubscribersPerDevice)
		if len(members) == 0 {
			delete(h.members, c.device)
		}
		c.errorChannel <- fmt.Errorf("%w (%d)", domain.ErrTooManySubscribers, h.config.MaxSubscribersPerDevice)
		return
	}

	writer := newSubscriberWriter(c.device, c.subscriber, h.config.QueueSize, h.clock, h.metrics)
	members[id] = &member{subscriber: c.subscriber, writer: writer}
	h.greet(c.device, writer, c.welcome)
	h.recordMembership(c.device)

	slog.Debug("Subscriber joined", "device", c.device, "subscriber_id", id, "remote_addr", c.subscriber.RemoteAddr(), "total_subscribers", len(members))
	c.errorChannel <- nil

	h.requestRoster(c.device)
}

func (h *Hub) greet(device string, writer *subscriberWriter, welcome []domain.Welcome) {
	for _, produce := range welcome {
		event := produce()
		if event == nil {
			continue
		}
		data, err := encodeEnvelope(h.config.VersionHash, event)
		if err != nil {
			slog.Error("Failed to encode welcome event", "device", device, "type", event.EventType(), "error", err)
			continue
		}
		writer.enqueue(data)
	}
}

func (h *Hub) handleLeave(c leaveCmd) {
	members, exists := h.members[c.device]
	if !exists {
		return
	}

	m, exists := members[c.subscriberID]
	if !exists {
		return
	}

	m.writer.stop()
	delete(members, c.subscriberID)
	if len(members) == 0 {
		delete(h.members, c.device)
	}
	h.recordMembership(c.device)

	slog.Debug("Subscriber left", "device", c.device, "subscriber_id", c.subscriberID, "remaining_subscribers", len(members))

	h.requestRoster(c.device)
}

func (h *Hub) handleBroadcast(c broadcastCmd) {
	if h.metrics != nil {
		h.metrics.Broadcasts.WithLabelValues(c.eventType).Inc()
	}

	for _, m := range h.snapshot(c.device) {
		if m.writer.enqueue(c.data) {
			continue
		}
		slog.Warn("Subscriber queue full, dropping event",
			"device", c.device,
			"subscriber_id", m.subscriber.ID(),
			"type", c.eventType,
		)
		if h.metrics != nil {
			h.metrics.Deliveries.WithLabelValues(metrics.DeliveryQueueFull).Inc()
		}
	}
}

// snapshot copies the device's members so delivery never iterates the live registry.
func (h *Hub) snapshot(device string) []*member {
	members := h.members[device]
	out := make([]*member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

func (h *Hub) subscribers(device string) []domain.Subscriber {
	snap := h.snapshot(device)
	out := make([]domain.Subscriber, 0, len(snap))
	for _, m := range snap {
		out = append(out, m.subscriber)
	}
	return out
}

func (h *Hub) recordMembership(device string) {
	if h.metrics != nil {
		h.metrics.Subscribers.WithLabelValues(device).Set(float64(len(h.members[device])))
	}
}

// requestRoster starts a roster computation for the device's current members.
// Reverse lookups may block, so they run off the loop and report back with a generation.
func (h *Hub) requestRoster(device string) {
	state, ok := h.rosters[device]
	if !ok {
		state = &rosterState{}
		h.rosters[device] = state
	}
	state.requested++
	generation := state.requested

	snap := h.snapshot(device)
	addresses := make([]string, 0, len(snap))
	for _, m := range snap {
		addresses = append(addresses, m.subscriber.RemoteAddr())
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.config.ResolveTimeout)
		defer cancel()

		names := BuildRoster(ctx, h.resolver, addresses)
		if err := h.send(rosterResultCmd{device: device, generation: generation, names: names}); err != nil {
			slog.Debug("Roster result discarded", "device", device, "generation", generation, "error", err)
		}
	}()
}

func (h *Hub) handleRosterResult(c rosterResultCmd) {
	state := h.rosters[c.device]
	if state == nil || c.generation <= state.published {
		slog.Debug("Discarding stale roster", "device", c.device, "generation", c.generation)
		if h.metrics != nil {
			h.metrics.RosterStale.Inc()
		}
		return
	}
	state.published = c.generation

	event := domain.ConnectionsEvent{Data: c.names}
	data, err := encodeEnvelope(h.config.VersionHash, event)
	if err != nil {
		slog.Error("Failed to encode roster", "device", c.device, "error", err)
		return
	}

	if h.metrics != nil {
		h.metrics.RosterPublications.Inc()
	}
	h.handleBroadcast(broadcastCmd{device: c.device, eventType: event.EventType(), data: data})
}

// closeAll stops every writer and closes subscribers that support a reasoned close.
// Used during graceful shutdown and panic recovery.
func (h *Hub) closeAll(reason string) {
	total := 0
	for device, members := range h.members {
		for _, m := range members {
			m.writer.stop()
		}
		for _, m := range members {
			m.writer.wait()
			if closer, ok := m.subscriber.(interface{ CloseWithReason(string) }); ok {
				closer.CloseWithReason(reason)
			}
			total++
		}
		delete(h.members, device)
		h.recordMembership(device)
	}
	slog.Info("Hub closed all subscribers", "reason", reason, "disconnected_subscribers", total)
}
