// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Broker kinds.
const (
	BrokerRedis = "redis"
	BrokerNATS  = "nats"
	BrokerLog   = "log"
)

// Broker holds the notification broker connection settings.
type Broker struct {
	Kind             string        `envconfig:"BROKER_KIND" default:"redis"`
	Host             string        `envconfig:"BROKER_HOST" default:"localhost"`
	Port             int           `envconfig:"BROKER_PORT" default:"0"`
	User             string        `envconfig:"BROKER_USER"`
	Password         string        `envconfig:"BROKER_PASSWORD"`
	DB               int           `envconfig:"BROKER_DB" default:"0"`
	ReconnectBackoff time.Duration `envconfig:"BROKER_RECONNECT_BACKOFF" default:"5s"`
	Destination      string        `envconfig:"NOTIFY_DESTINATION" default:"oae-content/etherpad-publish"`
	PublishTimeout   time.Duration `envconfig:"PUBLISH_TIMEOUT" default:"5s"`
}

// Addr returns host:port, using the kind's standard port when none is set.
func (b Broker) Addr() string {
	port := b.Port
	if port == 0 {
		switch b.Kind {
		case BrokerNATS:
			port = 4222
		default:
			port = 6379
		}
	}
	return net.JoinHostPort(b.Host, strconv.Itoa(port))
}

// Etherpad holds the Etherpad API settings.
type Etherpad struct {
	URL        string `envconfig:"ETHERPAD_URL" default:"http://localhost:9001"`
	APIKey     string `envconfig:"ETHERPAD_API_KEY"`
	APIVersion string `envconfig:"ETHERPAD_API_VERSION" default:"1.2.1"`
}

// Config is the service configuration.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	APIKey   string `envconfig:"SIGNAL_API_KEY"`

	ReconcileInterval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"60s"`
	SessionQueryTimeout time.Duration `envconfig:"SESSION_QUERY_TIMEOUT" default:"10s"`
	StaleAfter          time.Duration `envconfig:"STALE_AFTER" default:"24h"`
	TTLCeiling          time.Duration `envconfig:"TTL_CEILING" default:"24h"`
	TTLSweepInterval    time.Duration `envconfig:"TTL_SWEEP_INTERVAL" default:"30m"`

	Etherpad Etherpad `ignored:"true"`
	Broker   Broker   `ignored:"true"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	// Nested sections are processed on their own so their keys stay unprefixed.
	for _, section := range []any{&cfg, &cfg.Etherpad, &cfg.Broker} {
		if err := envconfig.Process("", section); err != nil {
			return nil, fmt.Errorf("process env: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	var errs []error

	switch c.Broker.Kind {
	case BrokerRedis, BrokerNATS, BrokerLog:
	default:
		errs = append(errs, fmt.Errorf("BROKER_KIND %q: want redis, nats or log", c.Broker.Kind))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"RECONCILE_INTERVAL", c.ReconcileInterval},
		{"SESSION_QUERY_TIMEOUT", c.SessionQueryTimeout},
		{"STALE_AFTER", c.StaleAfter},
		{"TTL_CEILING", c.TTLCeiling},
		{"TTL_SWEEP_INTERVAL", c.TTLSweepInterval},
		{"BROKER_RECONNECT_BACKOFF", c.Broker.ReconnectBackoff},
		{"PUBLISH_TIMEOUT", c.Broker.PublishTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}

	if c.TTLCeiling < c.ReconcileInterval {
		errs = append(errs, fmt.Errorf("TTL_CEILING %s is shorter than RECONCILE_INTERVAL %s", c.TTLCeiling, c.ReconcileInterval))
	}
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("BROKER_PORT %d out of range", c.Broker.Port))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q: want debug, info, warn or error", s)
	}
}
