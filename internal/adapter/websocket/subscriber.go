// Package websocket adapts gorilla websocket connections to hub subscribers.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
)

const (
	defaultWriteWait    = 5 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 50 * time.Second
	maxMessageSize      = 4096
)

var ErrClosed = errors.New("websocket subscriber closed")

// Options tune the keepalive. PingInterval must be shorter than PongWait.
type Options struct {
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
	Clock        clockwork.Clock
	Metrics      *metrics.WebSocketMetrics
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 5 / 6
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Subscriber is one browser connection. Writes are serialized; reads happen
// only inside Serve.
type Subscriber struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	opts       Options

	writeMu   sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewSubscriber(conn *websocket.Conn, remoteAddr string, opts Options) *Subscriber {
	return &Subscriber{
		id:         uuid.NewString(),
		remoteAddr: remoteAddr,
		conn:       conn,
		opts:       opts.withDefaults(),
		done:       make(chan struct{}),
	}
}

func (s *Subscriber) ID() string         { return s.id }
func (s *Subscriber) RemoteAddr() string { return s.remoteAddr }

func (s *Subscriber) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.conn.SetWriteDeadline(s.opts.Clock.Now().Add(s.opts.WriteWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Serve pumps incoming frames until the peer goes away, ctx is cancelled or
// the subscriber is closed. Client messages carry no meaning and are only logged.
func (s *Subscriber) Serve(ctx context.Context) error {
	if s.opts.Metrics != nil {
		s.opts.Metrics.ActiveConnections.Inc()
		defer s.opts.Metrics.ActiveConnections.Dec()
	}

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(s.opts.Clock.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(s.opts.Clock.Now().Add(s.opts.PongWait))
	})

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		s.pingLoop(ctx)
	}()
	defer func() {
		s.Close()
		<-pingDone
	}()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return fmt.Errorf("read message: %w", err)
			}
			return nil
		}
		slog.Debug("Ignoring client message", "subscriber_id", s.id, "remote_addr", s.remoteAddr, "size", len(msg))
	}
}

func (s *Subscriber) pingLoop(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := s.ping(); err != nil {
				slog.Debug("WebSocket ping failed", "subscriber_id", s.id, "error", err)
				if s.opts.Metrics != nil {
					s.opts.Metrics.PingFailures.Inc()
				}
				s.Close()
				return
			}
		case <-ctx.Done():
			s.CloseWithReason("Server shutting down")
			return
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, s.opts.Clock.Now().Add(s.opts.WriteWait))
}

// CloseWithReason sends a going-away close frame before closing the connection.
func (s *Subscriber) CloseWithReason(reason string) {
	s.writeMu.Lock()
	if !s.closed {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, s.opts.Clock.Now().Add(s.opts.WriteWait))
	}
	s.writeMu.Unlock()
	s.Close()
}

func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

// NewUpgrader builds the upgrader used for every device websocket.
func NewUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}
