package broadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memberIDs(subs []domain.Subscriber) []string {
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ID())
	}
	return ids
}

func TestHub_JoinUnknownDevice(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})

	err := hub.Join("Attic", newFakeSubscriber("a", "10.0.0.1"))

	require.ErrorIs(t, err, domain.ErrDeviceNotFound)
	assert.Empty(t, hub.Members("Attic"))
}

func TestHub_JoinSendsWelcomeBeforeRoster(t *testing.T) {
	resolver := &mapResolver{names: map[string]string{"10.0.0.1": "alice.lan"}}
	hub, _ := testHub(t, resolver, Config{VersionHash: "abc123"})
	a := newFakeSubscriber("a", "10.0.0.1")

	require.NoError(t, hub.Join("Lab", a, domain.WelcomeWith(domain.SerialStateEvent{Connected: true})))
	requireRoster(t, a, "alice.lan")

	envelopes := a.received()
	require.Len(t, envelopes, 2)
	assert.Equal(t, domain.EventSerialState, envelopes[0]["type"])
	assert.Equal(t, true, envelopes[0]["connected"])
	assert.Equal(t, "abc123", envelopes[0]["version_hash"])
	assert.Equal(t, domain.EventConnections, envelopes[1]["type"])
	assert.Equal(t, "abc123", envelopes[1]["version_hash"])
}

func TestHub_WelcomeIsReadAfterRegistration(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")

	// The link flips right after the welcome read its state. The flip's
	// broadcast must still reach the new subscriber, after the welcome.
	var connected atomic.Bool
	welcome := func() domain.Event {
		state := domain.SerialStateEvent{Connected: connected.Load()}
		connected.Store(true)
		hub.Broadcast("Lab", domain.SerialStateEvent{Connected: connected.Load()})
		return state
	}

	require.NoError(t, hub.Join("Lab", a, welcome))

	require.Eventually(t, func() bool { return len(a.ofType(domain.EventSerialState)) == 2 }, 2*time.Second, 5*time.Millisecond)
	states := a.ofType(domain.EventSerialState)
	assert.Equal(t, false, states[0]["connected"])
	assert.Equal(t, true, states[1]["connected"])
}

func TestHub_NilWelcomeEventIsSkipped(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")

	none := func() domain.Event { return nil }
	require.NoError(t, hub.Join("Lab", a, none, domain.WelcomeWith(domain.SerialStateEvent{Connected: true})))
	requireRoster(t, a, "10.0.0.1")

	envelopes := a.received()
	require.Len(t, envelopes, 2)
	assert.Equal(t, domain.EventSerialState, envelopes[0]["type"])
	assert.Equal(t, domain.EventConnections, envelopes[1]["type"])
}

func TestHub_MembershipIsExact(t *testing.T) {
	hub, m := testHub(t, nil, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")
	b := newFakeSubscriber("b", "10.0.0.2")

	require.NoError(t, hub.Join("Lab", a))
	require.NoError(t, hub.Join("Lab", b))
	assert.ElementsMatch(t, []string{"a", "b"}, memberIDs(hub.Members("Lab")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Subscribers.WithLabelValues("Lab")))

	hub.Leave("Lab", a)
	assert.Equal(t, []string{"b"}, memberIDs(hub.Members("Lab")))

	// Leaving twice is harmless.
	hub.Leave("Lab", a)
	assert.Equal(t, 1, hub.SubscriberCount("Lab"))

	hub.Leave("Lab", b)
	assert.Empty(t, hub.Members("Lab"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Subscribers.WithLabelValues("Lab")))
}

func TestHub_MembersReturnsCopy(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})
	require.NoError(t, hub.Join("Lab", newFakeSubscriber("a", "10.0.0.1")))

	snapshot := hub.Members("Lab")
	snapshot[0] = nil

	require.Len(t, hub.Members("Lab"), 1)
	assert.NotNil(t, hub.Members("Lab")[0])
}

func TestHub_DuplicateJoinIsIgnored(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")

	require.NoError(t, hub.Join("Lab", a))
	require.NoError(t, hub.Join("Lab", a))

	assert.Equal(t, 1, hub.SubscriberCount("Lab"))
}

func TestHub_BroadcastWithoutSubscribersIsNoop(t *testing.T) {
	hub, m := testHub(t, nil, Config{})

	assert.NotPanics(t, func() {
		hub.Broadcast("Lab", domain.DataEvent{Node: "console", Data: "hello"})
	})

	assert.Empty(t, hub.Members("Lab"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.DeliveryOK)))
}

func TestHub_BroadcastIsolatesFailingSubscriber(t *testing.T) {
	hub, m := testHub(t, nil, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")
	b := newFakeSubscriber("b", "10.0.0.2")
	c := newFakeSubscriber("c", "10.0.0.3")
	for _, sub := range []*fakeSubscriber{a, b, c} {
		require.NoError(t, hub.Join("Lab", sub))
	}
	for _, sub := range []*fakeSubscriber{a, b, c} {
		requireRoster(t, sub, "10.0.0.1", "10.0.0.2", "10.0.0.3")
	}

	b.mu.Lock()
	b.sendErr = errSeveredConnection
	b.mu.Unlock()

	hub.Broadcast("Lab", domain.DataEvent{Node: "console", Data: "boot ok"})

	for _, sub := range []*fakeSubscriber{a, c} {
		require.Eventually(t, func() bool { return len(sub.ofType(domain.EventData)) == 1 }, time.Second, 5*time.Millisecond)
		data := sub.ofType(domain.EventData)[0]
		assert.Equal(t, "console", data["node"])
		assert.Equal(t, "boot ok", data["data"])
	}
	assert.Empty(t, b.ofType(domain.EventData))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.DeliverySendError)) == 1
	}, time.Second, 5*time.Millisecond)

	// Only the connection's own close removes it.
	assert.ElementsMatch(t, []string{"a", "b", "c"}, memberIDs(hub.Members("Lab")))
}

func TestHub_BroadcastIsScopedToDevice(t *testing.T) {
	hub, _ := testHub(t, nil, Config{}, "Lab", "Garage")
	a := newFakeSubscriber("a", "10.0.0.1")
	g := newFakeSubscriber("g", "10.0.0.9")
	require.NoError(t, hub.Join("Lab", a))
	require.NoError(t, hub.Join("Garage", g))
	requireRoster(t, g, "10.0.0.9")

	hub.Broadcast("Lab", domain.DataEvent{Node: "console", Data: "x"})

	require.Eventually(t, func() bool { return len(a.ofType(domain.EventData)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, g.ofType(domain.EventData))
}

func TestHub_BroadcastPreservesOrderPerSubscriber(t *testing.T) {
	hub, _ := testHub(t, nil, Config{QueueSize: 128})
	a := newFakeSubscriber("a", "10.0.0.1")
	require.NoError(t, hub.Join("Lab", a))

	for i := range 50 {
		hub.Broadcast("Lab", domain.DataEvent{Node: "console", Data: fmt.Sprintf("%02d", i)})
	}

	require.Eventually(t, func() bool { return len(a.ofType(domain.EventData)) == 50 }, 2*time.Second, 5*time.Millisecond)
	for i, envelope := range a.ofType(domain.EventData) {
		assert.Equal(t, fmt.Sprintf("%02d", i), envelope["data"])
	}
}

func TestHub_RosterIsSortedAndDeduplicated(t *testing.T) {
	resolver := &mapResolver{names: map[string]string{
		"10.0.0.1": "zeta.lan",
		"10.0.0.2": "alpha.lan",
		"10.0.0.3": "alpha.lan",
	}}
	hub, _ := testHub(t, resolver, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")

	require.NoError(t, hub.Join("Lab", a))
	require.NoError(t, hub.Join("Lab", newFakeSubscriber("b", "10.0.0.2")))
	require.NoError(t, hub.Join("Lab", newFakeSubscriber("c", "10.0.0.3")))

	requireRoster(t, a, "alpha.lan", "zeta.lan")
}

func TestHub_RosterAfterLeave(t *testing.T) {
	resolver := &mapResolver{names: map[string]string{"10.0.0.1": "a.lan", "10.0.0.2": "b.lan"}}
	hub, _ := testHub(t, resolver, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")
	b := newFakeSubscriber("b", "10.0.0.2")

	require.NoError(t, hub.Join("Lab", a))
	requireRoster(t, a, "a.lan")
	require.NoError(t, hub.Join("Lab", b))
	requireRoster(t, a, "a.lan", "b.lan")
	requireRoster(t, b, "a.lan", "b.lan")

	hub.Leave("Lab", b)
	requireRoster(t, a, "a.lan")
}

func TestHub_StaleRosterIsNeverPublishedAfterNewer(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	resolver := &mapResolver{resolve: func(ctx context.Context, address string) string {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return address
	}}
	hub, m := testHub(t, resolver, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")
	b := newFakeSubscriber("b", "10.0.0.2")

	require.NoError(t, hub.Join("Lab", a))
	<-started
	require.NoError(t, hub.Join("Lab", b))
	requireRoster(t, a, "10.0.0.1", "10.0.0.2")

	close(release)

	require.Eventually(t, func() bool { return testutil.ToFloat64(m.RosterStale) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, a.lastRoster())
	assert.Len(t, a.ofType(domain.EventConnections), 1)
}

func TestHub_MaxSubscribersPerDevice(t *testing.T) {
	hub, _ := testHub(t, nil, Config{MaxSubscribersPerDevice: 2})

	require.NoError(t, hub.Join("Lab", newFakeSubscriber("a", "10.0.0.1")))
	require.NoError(t, hub.Join("Lab", newFakeSubscriber("b", "10.0.0.2")))

	err := hub.Join("Lab", newFakeSubscriber("c", "10.0.0.3"))
	require.ErrorIs(t, err, domain.ErrTooManySubscribers)
	assert.Equal(t, 2, hub.SubscriberCount("Lab"))
}

func TestHub_FullQueueIsDeliveryFailureForThatSubscriberOnly(t *testing.T) {
	hub, m := testHub(t, nil, Config{QueueSize: 1})
	slow := newFakeSubscriber("slow", "10.0.0.1")
	fast := newFakeSubscriber("fast", "10.0.0.2")
	gate := make(chan struct{})
	slow.sendGate = gate
	t.Cleanup(func() { close(gate) })

	require.NoError(t, hub.Join("Lab", slow))
	require.NoError(t, hub.Join("Lab", fast))

	for i := range 5 {
		hub.Broadcast("Lab", domain.DataEvent{Node: "console", Data: fmt.Sprint(i)})
		require.Eventually(t, func() bool { return len(fast.ofType(domain.EventData)) == i+1 }, time.Second, 5*time.Millisecond)
	}

	assert.Greater(t, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.DeliveryQueueFull)), 0.0)
	assert.Equal(t, 2, hub.SubscriberCount("Lab"))
}

func TestHub_ConcurrentJoinLeave(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := newFakeSubscriber(fmt.Sprintf("s%d", i), fmt.Sprintf("10.0.1.%d", i))
			assert.NoError(t, hub.Join("Lab", sub))
			hub.Broadcast("Lab", domain.DataEvent{Node: "console", Data: "x"})
			if i%2 == 0 {
				hub.Leave("Lab", sub)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, hub.SubscriberCount("Lab"))
}

func TestHub_HealthyWhileRunning(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})

	assert.NoError(t, hub.Healthy())
}

func TestHub_StopClosesSubscribers(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})
	a := newFakeSubscriber("a", "10.0.0.1")
	require.NoError(t, hub.Join("Lab", a))

	hub.Stop()

	a.mu.Lock()
	assert.Equal(t, "Server shutting down", a.closeReason)
	a.mu.Unlock()

	err := hub.Join("Lab", newFakeSubscriber("b", "10.0.0.2"))
	require.ErrorIs(t, err, domain.ErrHubStopped)
	assert.Nil(t, hub.Members("Lab"))
	assert.ErrorIs(t, hub.Healthy(), domain.ErrHubStopped)
}

func TestHub_StopIdempotent(t *testing.T) {
	hub, _ := testHub(t, nil, Config{})

	hub.Stop()
	assert.NotPanics(t, hub.Stop)
}
