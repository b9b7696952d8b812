// Package httpserver exposes devices, their websockets and the control
// endpoints over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/adapter/websocket"
	"github.com/pscheid92/serialbridge/internal/buildstatus"
	"github.com/pscheid92/serialbridge/internal/device"
	"github.com/pscheid92/serialbridge/internal/domain"
	"github.com/pscheid92/serialbridge/internal/platform/config"
)

type deviceCatalog interface {
	NameForSlug(slug string) (string, bool)
	Summaries() []device.Summary
}

type subscriberHub interface {
	Join(device string, subscriber domain.Subscriber, welcome ...domain.Welcome) error
	Leave(device string, subscriber domain.Subscriber)
}

type deviceController interface {
	RunCommand(ctx context.Context, deviceName, command string) error
	SetLinkState(ctx context.Context, deviceName, state string) error
	SerialState(deviceName string) (domain.Event, error)
}

type buildTracker interface {
	Apply(ctx context.Context, action string, u buildstatus.Update) error
	Snapshot(device string) domain.BuildEvent
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Devices  deviceCatalog
	Hub      subscriberHub
	Control  deviceController
	Builds   buildTracker
	Registry *prometheus.Registry

	HTTPMetrics      *metrics.HTTPMetrics
	WebSocketMetrics *metrics.WebSocketMetrics
	HealthChecks     []HealthCheck
	Clock            clockwork.Clock
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	devices deviceCatalog
	hub     subscriberHub
	control deviceController
	builds  buildTracker

	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	wsMetrics    *metrics.WebSocketMetrics
	healthChecks []HealthCheck

	upgrader   *gorilla.Upgrader
	wsOptions  websocket.Options
	connLimits *connectionLimits

	// lifetime is cancelled on Shutdown and ends every open websocket.
	lifetime context.Context
	cancel   context.CancelFunc

	clock     clockwork.Clock
	startTime time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	lifetime, cancel := context.WithCancel(context.Background())

	srv := &Server{
		echo:         e,
		config:       cfg,
		devices:      deps.Devices,
		hub:          deps.Hub,
		control:      deps.Control,
		builds:       deps.Builds,
		registry:     deps.Registry,
		httpMetrics:  deps.HTTPMetrics,
		wsMetrics:    deps.WebSocketMetrics,
		healthChecks: deps.HealthChecks,
		upgrader:     websocket.NewUpgrader(websocket.NewCheckOrigin(cfg.AppURL, !cfg.IsProduction())),
		wsOptions:    websocket.Options{Clock: deps.Clock, Metrics: deps.WebSocketMetrics},
		connLimits: newConnectionLimits(connectionLimitsConfig{
			MaxTotal: cfg.MaxWebSocketConnections,
			MaxPerIP: cfg.MaxConnectionsPerIP,
			Rate:     cfg.ConnectionRate,
			Burst:    cfg.ConnectionBurst,
		}, deps.Clock),
		lifetime:  lifetime,
		cancel:    cancel,
		clock:     deps.Clock,
		startTime: deps.Clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Start blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
