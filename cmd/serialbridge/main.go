package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/serialbridge/internal/adapter/httpserver"
	"github.com/pscheid92/serialbridge/internal/adapter/mdns"
	"github.com/pscheid92/serialbridge/internal/adapter/metrics"
	"github.com/pscheid92/serialbridge/internal/broadcast"
	"github.com/pscheid92/serialbridge/internal/buildstatus"
	"github.com/pscheid92/serialbridge/internal/control"
	"github.com/pscheid92/serialbridge/internal/device"
	"github.com/pscheid92/serialbridge/internal/ingest"
	"github.com/pscheid92/serialbridge/internal/platform/config"
	"github.com/pscheid92/serialbridge/internal/platform/logging"
	"github.com/pscheid92/serialbridge/internal/platform/version"
	"github.com/pscheid92/serialbridge/internal/resolver"
)

const (
	startupConnectTimeout = 30 * time.Second
	shutdownTimeout       = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDevices(cfg *config.Config) *device.Directory {
	catalog, err := device.LoadCatalog(cfg.DevicesFile)
	if err != nil {
		slog.Error("Failed to load device catalog", "file", cfg.DevicesFile, "error", err)
		os.Exit(1)
	}

	policy := device.DefaultDialPolicy
	policy.MaxAttempts = cfg.NodeDialAttempts

	devices, err := device.NewDirectory(catalog, device.Options{DialPolicy: policy})
	if err != nil {
		slog.Error("Invalid device catalog", "file", cfg.DevicesFile, "error", err)
		os.Exit(1)
	}
	return devices
}

func startMDNS(cfg *config.Config, deviceCount int) *mdns.Advertiser {
	if !cfg.MDNSEnabled {
		return nil
	}
	advertiser := mdns.NewAdvertiser(mdns.Config{
		Instance:    cfg.MDNSInstance,
		Port:        cfg.Port,
		Version:     version.Version,
		DeviceCount: deviceCount,
	})
	if err := advertiser.Start(); err != nil {
		// Discovery is a convenience; the bridge works without it.
		slog.Warn("mDNS advertisement unavailable", "error", err)
		return nil
	}
	return advertiser
}

func runGracefulShutdown(srv *httpserver.Server, hub *broadcast.Hub, devices *device.Directory, advertiser *mdns.Advertiser) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		if advertiser != nil {
			advertiser.Shutdown()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		hub.Stop()
		devices.DisconnectAll(shutdownCtx)

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	versionHash := version.Hash(cfg.VersionHash)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Version, "version_hash", versionHash)

	registry := metrics.NewRegistry()
	devices := setupDevices(cfg)

	names := resolver.New(
		resolver.WithTimeout(cfg.ResolveTimeout),
		resolver.WithClock(clock),
		resolver.WithMetrics(metrics.NewResolverMetrics(registry)),
	)

	hub := broadcast.NewHub(devices, names, clock, metrics.NewHubMetrics(registry), broadcast.Config{
		VersionHash:             versionHash,
		MaxSubscribersPerDevice: cfg.MaxSubscribersPerDevice,
		QueueSize:               cfg.SubscriberQueueSize,
		ResolveTimeout:          cfg.ResolveTimeout,
	})

	ingest.NewAdapter(hub, metrics.NewIngestMetrics(registry)).Attach(devices.Nodes()...)

	connectCtx, cancel := context.WithTimeout(context.Background(), startupConnectTimeout)
	devices.ConnectAll(connectCtx)
	cancel()

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Devices:          devices,
		Hub:              hub,
		Control:          control.NewMediator(devices, hub, metrics.NewControlMetrics(registry)),
		Builds:           buildstatus.NewService(devices, hub, clock),
		Registry:         registry,
		HTTPMetrics:      metrics.NewHTTPMetrics(registry),
		WebSocketMetrics: metrics.NewWebSocketMetrics(registry),
		HealthChecks: []httpserver.HealthCheck{
			{Name: "hub", Check: func(context.Context) error { return hub.Healthy() }},
		},
		Clock: clock,
	})

	advertiser := startMDNS(cfg, len(devices.Devices()))
	done := runGracefulShutdown(srv, hub, devices, advertiser)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
