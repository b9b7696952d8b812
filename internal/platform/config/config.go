package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	AppURL      string `env:"APP_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`
	DevicesFile string `env:"DEVICES_FILE" default:"devices.yaml"`
	VersionHash string `env:"VERSION_HASH"`

	MaxSubscribersPerDevice int `env:"MAX_SUBSCRIBERS_PER_DEVICE" default:"100"`
	SubscriberQueueSize     int `env:"SUBSCRIBER_QUEUE_SIZE" default:"64"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"1000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`
	ControlRate             float64 `env:"CONTROL_RATE" default:"5"`
	ControlBurst            int     `env:"CONTROL_BURST" default:"10"`

	ResolveTimeout   time.Duration `env:"RESOLVE_TIMEOUT" default:"2s"`
	NodeDialAttempts int           `env:"NODE_DIAL_ATTEMPTS" default:"3"`

	MDNSEnabled  bool   `env:"MDNS_ENABLED" default:"false"`
	MDNSInstance string `env:"MDNS_INSTANCE" default:"serialbridge"`
}

func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"PORT", cfg.Port},
		{"DEVICES_FILE", cfg.DevicesFile},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Port)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	if cfg.IsProduction() && cfg.AppURL == "" {
		return errors.New("APP_URL is required in production")
	}
	if cfg.AppURL != "" {
		u, err := url.Parse(cfg.AppURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("APP_URL must be an absolute URL, got %q", cfg.AppURL)
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"SUBSCRIBER_QUEUE_SIZE", cfg.SubscriberQueueSize},
		{"MAX_WEBSOCKET_CONNECTIONS", cfg.MaxWebSocketConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"CONNECTION_BURST", cfg.ConnectionBurst},
		{"CONTROL_BURST", cfg.ControlBurst},
		{"NODE_DIAL_ATTEMPTS", cfg.NodeDialAttempts},
	}
	for _, p := range positive {
		if p.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", p.name, p.value)
		}
	}

	if cfg.MaxSubscribersPerDevice < 0 {
		return errors.New("MAX_SUBSCRIBERS_PER_DEVICE must not be negative")
	}
	if cfg.ConnectionRate <= 0 || cfg.ControlRate <= 0 {
		return errors.New("CONNECTION_RATE and CONTROL_RATE must be positive")
	}
	if cfg.ResolveTimeout <= 0 {
		return errors.New("RESOLVE_TIMEOUT must be positive")
	}
	if cfg.MDNSEnabled && cfg.MDNSInstance == "" {
		return errors.New("MDNS_INSTANCE is required when MDNS_ENABLED is set")
	}

	return nil
}
