package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.ReconcileInterval != 60*time.Second {
		t.Errorf("ReconcileInterval = %v, want 60s", cfg.ReconcileInterval)
	}
	if cfg.TTLCeiling != 24*time.Hour || cfg.StaleAfter != 24*time.Hour {
		t.Errorf("TTLCeiling = %v, StaleAfter = %v, want 24h", cfg.TTLCeiling, cfg.StaleAfter)
	}
	if cfg.TTLSweepInterval != 30*time.Minute {
		t.Errorf("TTLSweepInterval = %v, want 30m", cfg.TTLSweepInterval)
	}
	if cfg.Broker.Kind != BrokerRedis {
		t.Errorf("Broker.Kind = %q, want redis", cfg.Broker.Kind)
	}
	if cfg.Broker.Destination != "oae-content/etherpad-publish" {
		t.Errorf("Broker.Destination = %q", cfg.Broker.Destination)
	}
	if cfg.Etherpad.URL != "http://localhost:9001" || cfg.Etherpad.APIVersion != "1.2.1" {
		t.Errorf("Etherpad = %+v", cfg.Etherpad)
	}
	if cfg.Broker.Addr() != "localhost:6379" {
		t.Errorf("Broker.Addr() = %q, want localhost:6379", cfg.Broker.Addr())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SIGNAL_API_KEY", "k")
	t.Setenv("RECONCILE_INTERVAL", "15s")
	t.Setenv("TTL_CEILING", "2h")
	t.Setenv("BROKER_KIND", "nats")
	t.Setenv("BROKER_HOST", "mq.internal")
	t.Setenv("NOTIFY_DESTINATION", "custom/queue")
	t.Setenv("ETHERPAD_API_KEY", "pad-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" || cfg.APIKey != "k" {
		t.Errorf("Port = %q, APIKey = %q", cfg.Port, cfg.APIKey)
	}
	if cfg.ReconcileInterval != 15*time.Second || cfg.TTLCeiling != 2*time.Hour {
		t.Errorf("ReconcileInterval = %v, TTLCeiling = %v", cfg.ReconcileInterval, cfg.TTLCeiling)
	}
	if cfg.Broker.Addr() != "mq.internal:4222" {
		t.Errorf("Broker.Addr() = %q, want mq.internal:4222", cfg.Broker.Addr())
	}
	if cfg.Broker.Destination != "custom/queue" {
		t.Errorf("Broker.Destination = %q", cfg.Broker.Destination)
	}
	if cfg.Etherpad.APIKey != "pad-secret" {
		t.Errorf("Etherpad.APIKey = %q", cfg.Etherpad.APIKey)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown broker", map[string]string{"BROKER_KIND": "amqp"}, "BROKER_KIND"},
		{"zero interval", map[string]string{"RECONCILE_INTERVAL": "0s"}, "RECONCILE_INTERVAL"},
		{"negative timeout", map[string]string{"PUBLISH_TIMEOUT": "-1s"}, "PUBLISH_TIMEOUT"},
		{"ceiling below interval", map[string]string{"RECONCILE_INTERVAL": "2h", "TTL_CEILING": "1h"}, "TTL_CEILING"},
		{"bad duration", map[string]string{"STALE_AFTER": "soon"}, "STALE_AFTER"},
		{"bad port", map[string]string{"BROKER_PORT": "70000"}, "BROKER_PORT"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() error = nil, want failure")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestBrokerAddr(t *testing.T) {
	tests := []struct {
		broker Broker
		want   string
	}{
		{Broker{Kind: BrokerRedis, Host: "localhost"}, "localhost:6379"},
		{Broker{Kind: BrokerNATS, Host: "localhost"}, "localhost:4222"},
		{Broker{Kind: BrokerRedis, Host: "10.0.0.1", Port: 6380}, "10.0.0.1:6380"},
		{Broker{Kind: BrokerNATS, Host: "::1"}, "[::1]:4222"},
	}
	for _, tt := range tests {
		if got := tt.broker.Addr(); got != tt.want {
			t.Errorf("%+v.Addr() = %q, want %q", tt.broker, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}
