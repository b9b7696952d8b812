package domain

import "context"

// Subscriber is one live client connection bound to a single device.
// The hub never owns the connection; it only delivers through Send.
type Subscriber interface {
	ID() string
	RemoteAddr() string
	// Send writes one encoded envelope. It fails once the connection is severed.
	Send(data []byte) error
}

// AddressResolver maps a network address to a human-readable host name.
// It never fails: unresolvable addresses map to a placeholder.
type AddressResolver interface {
	Resolve(ctx context.Context, address string) string
}

// Welcome produces an event for a subscriber that just joined. The hub calls it
// on its own loop right after registering the subscriber, so it must not block.
// A nil event is skipped.
type Welcome func() Event

// WelcomeWith returns a Welcome that always produces event.
func WelcomeWith(event Event) Welcome {
	return func() Event { return event }
}
