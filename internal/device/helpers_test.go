package device

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/serialbridge/internal/domain"
	"github.com/pscheid92/serialbridge/internal/platform/retry"
	"github.com/stretchr/testify/require"
)

var testDialPolicy = retry.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond}

// endpoint stands in for a serial-over-TCP server.
type endpoint struct {
	ln    net.Listener
	conns chan net.Conn
}

func newEndpoint(t *testing.T) *endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	e := &endpoint{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			e.conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return e
}

func (e *endpoint) addr() string { return e.ln.Addr().String() }

func (e *endpoint) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-e.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("node never connected")
		return nil
	}
}

// refusedAddr returns an address nothing listens on.
func refusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func readExactly(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	read := 0
	for read < n {
		k, err := conn.Read(buf[read:])
		require.NoError(t, err)
		read += k
	}
	return string(buf)
}

type chunk struct {
	source string
	data   string
}

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []chunk
}

func (r *chunkRecorder) listener(_ domain.Node, source string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk{source: source, data: string(data)})
}

// joined concatenates the data of every chunk from source.
func (r *chunkRecorder) joined(source string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ""
	for _, c := range r.chunks {
		if c.source == source {
			out += c.data
		}
	}
	return out
}
