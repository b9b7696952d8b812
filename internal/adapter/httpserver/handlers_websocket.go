package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/serialbridge/internal/adapter/websocket"
	"github.com/pscheid92/serialbridge/internal/domain"
	apperrors "github.com/pscheid92/serialbridge/internal/platform/errors"
)

// handleDeviceWebSocket subscribes a browser to one device. The new subscriber
// first receives the serial link state and the build status, then every
// broadcast for the device until it disconnects.
func (s *Server) handleDeviceWebSocket(c echo.Context) error {
	name, err := s.deviceForSlug(c)
	if err != nil {
		return err
	}

	ip := c.RealIP()
	if ok, reason := s.connLimits.Acquire(ip); !ok {
		s.rejectWebSocket(string(reason))
		if reason == limitReasonRate {
			return echo.NewHTTPError(http.StatusTooManyRequests, "connection rate exceeded")
		}
		return apperrors.UnavailableError("too many connections", nil).WithContext("reason", string(reason))
	}
	defer s.connLimits.Release(ip)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		s.rejectWebSocket("upgrade_failed")
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "device", name, "error", err)
		return nil
	}

	sub := websocket.NewSubscriber(conn, ip, s.wsOptions)
	log := slog.With("device", name, "subscriber_id", sub.ID(), "remote_addr", ip)

	if err := s.hub.Join(name, sub, s.welcome(name)...); err != nil {
		reason := "Server shutting down"
		if errors.Is(err, domain.ErrTooManySubscribers) {
			reason = "Too many subscribers"
			s.rejectWebSocket("max_subscribers")
		}
		log.WarnContext(c.Request().Context(), "Subscriber rejected", "error", err)
		sub.CloseWithReason(reason)
		return nil
	}
	defer s.hub.Leave(name, sub)

	log.InfoContext(c.Request().Context(), "Subscriber connected")
	if err := sub.Serve(s.lifetime); err != nil {
		log.DebugContext(c.Request().Context(), "Subscriber connection ended", "error", err)
	}
	log.InfoContext(c.Request().Context(), "Subscriber disconnected")
	return nil
}

// welcome reads the device state on the hub loop, once the subscriber is
// registered, so no state change can fall between the read and the join.
func (s *Server) welcome(name string) []domain.Welcome {
	serialState := func() domain.Event {
		event, err := s.control.SerialState(name)
		if err != nil {
			slog.Warn("Failed to read serial state for new subscriber", "device", name, "error", err)
			return nil
		}
		return event
	}
	build := func() domain.Event { return s.builds.Snapshot(name) }
	return []domain.Welcome{serialState, build}
}

func (s *Server) rejectWebSocket(reason string) {
	if s.wsMetrics != nil {
		s.wsMetrics.RejectedTotal.WithLabelValues(reason).Inc()
	}
}
