package publish

import (
	"context"
	"log/slog"
	"oae-pad-notifier/pkg/notifier"
)

// LogBroker is a broker for local development that logs events instead of sending them.
type LogBroker struct {
	logger *slog.Logger
}

// NewLogBroker creates a logging broker.
func NewLogBroker(logger *slog.Logger) *LogBroker {
	return &LogBroker{logger: logger}
}

// Name implements Broker.
func (l *LogBroker) Name() string { return "log" }

// Dial implements Broker.
func (l *LogBroker) Dial(ctx context.Context, h Handlers) error { return nil }

// Declare implements Broker.
func (l *LogBroker) Declare(ctx context.Context, destination string) error { return nil }

// Send logs the notification.
func (l *LogBroker) Send(ctx context.Context, destination string, ev notifier.Event, payload []byte) error {
	l.logger.Info("MOCK NOTIFICATION",
		"destination", destination,
		"event_id", ev.ID,
		"payload", string(payload))
	return nil
}

// Close implements Broker.
func (l *LogBroker) Close() error { return nil }
