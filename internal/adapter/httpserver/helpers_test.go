package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/buildstatus"
	"github.com/pscheid92/serialbridge/internal/device"
	"github.com/pscheid92/serialbridge/internal/domain"
	"github.com/pscheid92/serialbridge/internal/platform/config"
)

// --- Mock implementations ---

type mockCatalog struct {
	slugs     map[string]string
	summaries []device.Summary
}

func (m *mockCatalog) NameForSlug(slug string) (string, bool) {
	name, ok := m.slugs[slug]
	return name, ok
}

func (m *mockCatalog) Summaries() []device.Summary { return m.summaries }

type mockHub struct {
	mu      sync.Mutex
	joinFn  func(device string, sub domain.Subscriber, welcome ...domain.Welcome) error
	joined  []domain.Subscriber
	welcome []domain.Event
	left    []domain.Subscriber
}

func (m *mockHub) Join(device string, sub domain.Subscriber, welcome ...domain.Welcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinFn != nil {
		if err := m.joinFn(device, sub, welcome...); err != nil {
			return err
		}
	}
	m.joined = append(m.joined, sub)
	for _, produce := range welcome {
		if event := produce(); event != nil {
			m.welcome = append(m.welcome, event)
		}
	}
	return nil
}

func (m *mockHub) Leave(_ string, sub domain.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left = append(m.left, sub)
}

func (m *mockHub) counts() (joined, left int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.joined), len(m.left)
}

type mockController struct {
	runCommandFn   func(ctx context.Context, deviceName, command string) error
	setLinkStateFn func(ctx context.Context, deviceName, state string) error
	serialStateFn  func(deviceName string) (domain.Event, error)
}

func (m *mockController) RunCommand(ctx context.Context, deviceName, command string) error {
	if m.runCommandFn != nil {
		return m.runCommandFn(ctx, deviceName, command)
	}
	return nil
}

func (m *mockController) SetLinkState(ctx context.Context, deviceName, state string) error {
	if m.setLinkStateFn != nil {
		return m.setLinkStateFn(ctx, deviceName, state)
	}
	return nil
}

func (m *mockController) SerialState(deviceName string) (domain.Event, error) {
	if m.serialStateFn != nil {
		return m.serialStateFn(deviceName)
	}
	return domain.SerialStateEvent{Connected: true}, nil
}

type mockBuilds struct {
	applyFn    func(ctx context.Context, action string, u buildstatus.Update) error
	snapshotFn func(device string) domain.BuildEvent
}

func (m *mockBuilds) Apply(ctx context.Context, action string, u buildstatus.Update) error {
	if m.applyFn != nil {
		return m.applyFn(ctx, action, u)
	}
	return errors.New("not implemented")
}

func (m *mockBuilds) Snapshot(device string) domain.BuildEvent {
	if m.snapshotFn != nil {
		return m.snapshotFn(device)
	}
	return domain.BuildEvent{}
}

// --- Test helpers ---

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                  "development",
		Port:                    "8080",
		VersionHash:             "test-hash",
		MaxWebSocketConnections: 10,
		MaxConnectionsPerIP:     5,
		ConnectionRate:          100,
		ConnectionBurst:         100,
		ControlRate:             100,
		ControlBurst:            100,
	}
}

func testDeps() Deps {
	return Deps{
		Devices: &mockCatalog{
			slugs: map[string]string{"lab": "Lab", "garage-door": "Garage Door"},
			summaries: []device.Summary{
				{Name: "Garage Door", Slug: "garage-door", Nodes: []device.NodeSummary{}, Commands: []device.CommandSummary{}, Highlights: []string{}},
				{Name: "Lab", Slug: "lab", Connected: true,
					Nodes:      []device.NodeSummary{{Name: "console", Address: "10.0.0.5:4001", DefaultVisible: true, Online: true}},
					Commands:   []device.CommandSummary{{Name: "reset", Icon: "power-off"}},
					Highlights: []string{"bench-03.lab"}},
			},
		},
		Hub:     &mockHub{},
		Control: &mockController{},
		Builds:  &mockBuilds{},
	}
}

func newTestServer(t *testing.T, opts ...func(*config.Config, *Deps)) *Server {
	t.Helper()

	cfg := testConfig()
	deps := testDeps()
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	srv := NewServer(cfg, deps)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func withControl(c *mockController) func(*config.Config, *Deps) {
	return func(_ *config.Config, d *Deps) { d.Control = c }
}

func withBuilds(b *mockBuilds) func(*config.Config, *Deps) {
	return func(_ *config.Config, d *Deps) { d.Builds = b }
}

func withHub(h subscriberHub) func(*config.Config, *Deps) {
	return func(_ *config.Config, d *Deps) { d.Hub = h }
}

func withHealthChecks(checks ...HealthCheck) func(*config.Config, *Deps) {
	return func(_ *config.Config, d *Deps) { d.HealthChecks = checks }
}

func withMetrics(reg *prometheus.Registry) func(*config.Config, *Deps) {
	return func(_ *config.Config, d *Deps) {
		d.Registry = reg
		d.HTTPMetrics = metrics.NewHTTPMetrics(reg)
		d.WebSocketMetrics = metrics.NewWebSocketMetrics(reg)
	}
}

func withConfig(fn func(*config.Config)) func(*config.Config, *Deps) {
	return func(c *config.Config, _ *Deps) { fn(c) }
}

func serve(srv *Server, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "10.0.0.7:51000"
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func postForm(srv *Server, target string, values url.Values) *httptest.ResponseRecorder {
	return serve(srv, http.MethodPost, target, strings.NewReader(values.Encode()), "application/x-www-form-urlencoded")
}

func postJSON(srv *Server, target, body string) *httptest.ResponseRecorder {
	return serve(srv, http.MethodPost, target, strings.NewReader(body), "application/json")
}
