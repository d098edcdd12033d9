// Package main runs the Etherpad presence tracker and visit notifier.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"oae-pad-notifier/config"
	"oae-pad-notifier/presence"
	"oae-pad-notifier/publish"
	"oae-pad-notifier/reconcile"
	"oae-pad-notifier/server"
	"oae-pad-notifier/sessions"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// newBroker builds the broker backend named by the config.
func newBroker(cfg config.Broker, logger *slog.Logger) (publish.Broker, error) {
	switch cfg.Kind {
	case config.BrokerRedis:
		return publish.NewRedis(publish.RedisConfig{
			Addr:     cfg.Addr(),
			Username: cfg.User,
			Password: cfg.Password,
			DB:       cfg.DB,
			Backoff:  cfg.ReconnectBackoff,
		}, logger), nil
	case config.BrokerNATS:
		return publish.NewNATS(publish.NATSConfig{
			URL:      "nats://" + cfg.Addr(),
			User:     cfg.User,
			Password: cfg.Password,
			Backoff:  cfg.ReconnectBackoff,
		}, logger), nil
	case config.BrokerLog:
		logger.Info("Log broker selected, notifications will not leave this process")
		return publish.NewLogBroker(logger), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	broker, err := newBroker(cfg.Broker, logger)
	if err != nil {
		return err
	}

	publisher := publish.New(broker, publish.Config{
		Destination: cfg.Broker.Destination,
		Backoff:     cfg.Broker.ReconnectBackoff,
		SendTimeout: cfg.Broker.PublishTimeout,
	}, logger)
	publisher.Start(ctx)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("Failed to close publisher", "error", err)
		}
	}()

	store := presence.New(publisher, logger)

	etherpad := sessions.New(&http.Client{Timeout: 30 * time.Second}, sessions.Config{
		BaseURL:    cfg.Etherpad.URL,
		APIKey:     cfg.Etherpad.APIKey,
		APIVersion: cfg.Etherpad.APIVersion,
	}, logger)

	reconciler := reconcile.NewReconciler(etherpad, store, reconcile.Config{
		QueryTimeout: cfg.SessionQueryTimeout,
		StaleAfter:   cfg.StaleAfter,
	}, logger)
	guard := reconcile.NewGuard(store, cfg.TTLCeiling, nil, logger)

	srv := server.New(&server.Config{
		Store:       store,
		Poller:      reconciler,
		BrokerState: func() string { return publisher.State().String() },
		APIKey:      cfg.APIKey,
		Logger:      logger,
	})

	logger.Info("Starting pad notifier",
		"broker", broker.Name(),
		"destination", cfg.Broker.Destination,
		"etherpad_url", cfg.Etherpad.URL,
		"reconcile_interval", cfg.ReconcileInterval.String(),
		"ttl_ceiling", cfg.TTLCeiling.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reconciler.Run(gctx, cfg.ReconcileInterval)
		return nil
	})
	g.Go(func() error {
		guard.Run(gctx, cfg.TTLSweepInterval)
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Port)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete", "tracked", store.Len())
	return nil
}
