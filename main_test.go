package main

import (
	"context"
	"io"
	"log/slog"
	"oae-pad-notifier/config"
	"testing"
	"time"
)

func TestNewBroker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		kind    string
		want    string
		wantErr bool
	}{
		{config.BrokerRedis, "redis", false},
		{config.BrokerNATS, "nats", false},
		{config.BrokerLog, "log", false},
		{"amqp", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			b, err := newBroker(config.Broker{Kind: tt.kind, Host: "localhost", ReconnectBackoff: time.Second}, logger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newBroker() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if b.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", b.Name(), tt.want)
			}
			if err := b.Close(); err != nil {
				t.Errorf("Close() = %v", err)
			}
		})
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger := newLogger("nonsense")
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info disabled for unknown level")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug enabled for unknown level")
	}
	if !newLogger("debug").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug disabled for LOG_LEVEL=debug")
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("binds a local port")
	}

	cfg := &config.Config{
		Port:                "0",
		ReconcileInterval:   time.Hour,
		SessionQueryTimeout: time.Second,
		StaleAfter:          24 * time.Hour,
		TTLCeiling:          24 * time.Hour,
		TTLSweepInterval:    time.Hour,
		Etherpad:            config.Etherpad{URL: "http://127.0.0.1:1"},
		Broker: config.Broker{
			Kind:             config.BrokerLog,
			ReconnectBackoff: time.Millisecond,
			PublishTimeout:   time.Second,
			Destination:      "oae-content/etherpad-publish",
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v, want nil", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
