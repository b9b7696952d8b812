// Package mdns advertises the web UI on the local network.
package mdns

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

const (
	ServiceType = "_http._tcp"
	Domain      = "local."

	maxInstanceNameLen = 63
)

// registerFunc matches zeroconf.Register without server options.
type registerFunc func(instance, service, domain string, port int, text []string) (shutdowner, error)

type shutdowner interface {
	Shutdown()
}

type Config struct {
	Instance    string
	Port        string
	Version     string
	DeviceCount int
}

type Advertiser struct {
	cfg      Config
	register registerFunc

	mu     sync.Mutex
	server shutdowner
}

func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{cfg: cfg, register: zeroconfRegister}
}

func zeroconfRegister(instance, service, domain string, port int, text []string) (shutdowner, error) {
	server, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Start registers the service. Calling it again replaces the previous registration.
func (a *Advertiser) Start() error {
	port, err := strconv.Atoi(a.cfg.Port)
	if err != nil || port <= 0 {
		return fmt.Errorf("invalid mdns port %q", a.cfg.Port)
	}
	if a.cfg.Instance == "" {
		return errors.New("mdns instance name is required")
	}

	instance := a.cfg.Instance
	if len(instance) > maxInstanceNameLen {
		instance = instance[:maxInstanceNameLen]
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := a.register(instance, ServiceType, Domain, port, a.txtRecords())
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	a.server = server

	slog.Info("mDNS service registered", "instance", instance, "service", ServiceType, "port", port)
	return nil
}

func (a *Advertiser) txtRecords() []string {
	return []string{
		"path=/",
		"version=" + a.cfg.Version,
		"devices=" + strconv.Itoa(a.cfg.DeviceCount),
	}
}

func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		slog.Info("mDNS service withdrawn", "instance", a.cfg.Instance)
	}
}
