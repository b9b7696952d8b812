package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var errSeveredConnection = errors.New("connection severed")

// fakeSubscriber records every envelope it receives.
type fakeSubscriber struct {
	id   string
	addr string

	mu          sync.Mutex
	envelopes   []map[string]any
	sendErr     error
	sendGate    chan struct{}
	closeReason string
}

func newFakeSubscriber(id, addr string) *fakeSubscriber {
	return &fakeSubscriber{id: id, addr: addr}
}

func (s *fakeSubscriber) ID() string         { return s.id }
func (s *fakeSubscriber) RemoteAddr() string { return s.addr }

func (s *fakeSubscriber) Send(data []byte) error {
	s.mu.Lock()
	gate := s.sendGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	s.envelopes = append(s.envelopes, envelope)
	return nil
}

func (s *fakeSubscriber) CloseWithReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeReason = reason
}

func (s *fakeSubscriber) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.envelopes...)
}

func (s *fakeSubscriber) ofType(eventType string) []map[string]any {
	var out []map[string]any
	for _, envelope := range s.received() {
		if envelope["type"] == eventType {
			out = append(out, envelope)
		}
	}
	return out
}

// lastRoster returns the names of the most recent connections event, or nil.
func (s *fakeSubscriber) lastRoster() []string {
	rosters := s.ofType(domain.EventConnections)
	if len(rosters) == 0 {
		return nil
	}
	raw := rosters[len(rosters)-1]["data"].([]any)
	names := make([]string, 0, len(raw))
	for _, name := range raw {
		names = append(names, name.(string))
	}
	return names
}

type fakeDirectory struct {
	names map[string]bool
}

func newFakeDirectory(names ...string) *fakeDirectory {
	d := &fakeDirectory{names: make(map[string]bool)}
	for _, name := range names {
		d.names[name] = true
	}
	return d
}

func (d *fakeDirectory) Exists(name string) bool { return d.names[name] }

func (d *fakeDirectory) Get(name string) (domain.Device, error) {
	return nil, domain.ErrDeviceNotFound
}

func (d *fakeDirectory) List() []domain.Device { return nil }

// mapResolver resolves from a fixed table and falls back to the raw address.
type mapResolver struct {
	mu      sync.Mutex
	names   map[string]string
	resolve func(ctx context.Context, address string) string
}

func (r *mapResolver) Resolve(ctx context.Context, address string) string {
	if r.resolve != nil {
		return r.resolve(ctx, address)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.names[address]; ok {
		return name
	}
	return address
}

func testHub(t *testing.T, resolver domain.AddressResolver, cfg Config, devices ...string) (*Hub, *metrics.HubMetrics) {
	t.Helper()

	if resolver == nil {
		resolver = &mapResolver{}
	}
	if len(devices) == 0 {
		devices = []string{"Lab"}
	}

	m := metrics.NewHubMetrics(prometheus.NewRegistry())
	hub := NewHub(newFakeDirectory(devices...), resolver, clockwork.NewRealClock(), m, cfg)
	t.Cleanup(hub.Stop)
	return hub, m
}

func requireRoster(t *testing.T, sub *fakeSubscriber, expected ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		roster := sub.lastRoster()
		if roster == nil || len(roster) != len(expected) {
			return false
		}
		for i := range expected {
			if roster[i] != expected[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "roster of %s never became %v (last: %v)", sub.id, expected, sub.lastRoster())
}
