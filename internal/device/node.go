package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pscheid92/serialbridge/internal/domain"
	"github.com/pscheid92/serialbridge/internal/platform/retry"
)

const chunkSize = 1024

// ErrNodeOffline is returned when writing to a node whose connection is closed.
var ErrNodeOffline = errors.New("node offline")

// Dialer opens the TCP connection to a node's serial endpoint. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultDialPolicy retries a refused node connection a few times before giving up.
var DefaultDialPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Node bridges one serial-over-TCP endpoint. Inbound bytes are emitted as
// serial chunks; bytes written through Write are emitted as web chunks.
type Node struct {
	name           string
	device         string
	address        string
	defaultVisible bool
	dialer         Dialer
	policy         retry.Policy

	mu       sync.Mutex
	conn     net.Conn
	pumpDone chan struct{}

	listenersMu sync.RWMutex
	listeners   []domain.DataListener
}

func newNode(device string, spec NodeSpec, dialer Dialer, policy retry.Policy) *Node {
	return &Node{
		name:           spec.Name,
		device:         device,
		address:        spec.Address,
		defaultVisible: spec.Visible(),
		dialer:         dialer,
		policy:         policy,
	}
}

func (n *Node) Name() string         { return n.name }
func (n *Node) DeviceName() string   { return n.device }
func (n *Node) Address() string      { return n.address }
func (n *Node) DefaultVisible() bool { return n.defaultVisible }

func (n *Node) String() string { return n.device + ":" + n.name }

// OnData registers a listener for every chunk the node produces.
func (n *Node) OnData(listener domain.DataListener) {
	n.listenersMu.Lock()
	defer n.listenersMu.Unlock()
	n.listeners = append(n.listeners, listener)
}

func (n *Node) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil
}

// Connect dials the node's endpoint and starts pumping its output. Connecting
// an already connected node is a no-op.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		return nil
	}

	policy := n.policy
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Node dial failed, retrying", "node", n.String(), "address", n.address, "attempt", attempt, "backoff", backoff, "error", err)
	}

	conn, err := retry.Do(ctx, policy, retry.ClassifyDial, func() (net.Conn, error) {
		return n.dialer.DialContext(ctx, "tcp", n.address)
	})
	if err != nil {
		return fmt.Errorf("connect %s at %s: %w", n, n.address, err)
	}

	done := make(chan struct{})
	n.conn = conn
	n.pumpDone = done
	go n.pump(conn, done)

	slog.InfoContext(ctx, "Node connected", "node", n.String(), "address", n.address)
	return nil
}

// Disconnect closes the connection and waits for the pump to exit.
func (n *Node) Disconnect() error {
	n.mu.Lock()
	conn, done := n.conn, n.pumpDone
	n.conn, n.pumpDone = nil, nil
	n.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	<-done
	slog.Info("Node disconnected", "node", n.String())
	if err != nil {
		return fmt.Errorf("close %s: %w", n, err)
	}
	return nil
}

// Write sends browser input to the device.
func (n *Node) Write(data []byte) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: %s", ErrNodeOffline, n)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write to %s: %w", n, err)
	}
	n.emit(domain.SourceWeb, data)
	return nil
}

func (n *Node) pump(conn net.Conn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, chunkSize)
	for {
		k, err := conn.Read(buf)
		if k > 0 {
			chunk := make([]byte, k)
			copy(chunk, buf[:k])
			n.emit(domain.SourceSerial, chunk)
		}
		if err != nil {
			n.mu.Lock()
			lost := n.conn == conn
			if lost {
				n.conn, n.pumpDone = nil, nil
			}
			n.mu.Unlock()

			if lost {
				_ = conn.Close()
				slog.Warn("Node connection lost", "node", n.String(), "error", err)
			}
			return
		}
	}
}

func (n *Node) emit(source string, data []byte) {
	n.listenersMu.RLock()
	listeners := n.listeners
	n.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(n, source, data)
	}
}
