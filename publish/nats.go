package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"oae-pad-notifier/pkg/notifier"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	defaultNATSTimeout = 3 * time.Second
	dedupeWindow       = 2 * time.Minute
)

var errDisconnected = errors.New("nats: disconnected from server")

// NATSConfig holds connection settings for the JetStream broker.
type NATSConfig struct {
	URL      string
	Name     string
	User     string
	Password string
	Backoff  time.Duration // Wait between client reconnect attempts
	Timeout  time.Duration // Dial timeout
}

// NATS publishes notifications to a durable JetStream stream.
type NATS struct {
	cfg    NATSConfig
	logger *slog.Logger

	mu sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATS creates a JetStream broker. Nothing connects until Dial.
func NewNATS(cfg NATSConfig, logger *slog.Logger) *NATS {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultNATSTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "oae-pad-notifier"
	}
	return &NATS{cfg: cfg, logger: logger}
}

// Name implements Broker.
func (n *NATS) Name() string { return "nats" }

// SubjectFor maps a destination name to a NATS subject.
func SubjectFor(destination string) string {
	return strings.NewReplacer("/", ".", " ", "_").Replace(destination)
}

// StreamFor maps a destination name to a JetStream stream name.
func StreamFor(destination string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, destination)
}

func (n *NATS) isCurrent(c *nats.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return c != nil && c == n.nc
}

// Dial connects with unlimited client-side reconnects. Errors and reconnects
// are reported through h; a close is reported only when we did not ask for it.
func (n *NATS) Dial(ctx context.Context, h Handlers) error {
	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(n.cfg.Backoff),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(n.cfg.Timeout),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if !n.isCurrent(c) {
				return
			}
			// A clean server shutdown disconnects with a nil error; publishes
			// still cannot land until the client reconnects.
			if err == nil {
				err = errDisconnected
			}
			h.Error(err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			if n.isCurrent(c) {
				h.Ready()
			}
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			if n.isCurrent(c) {
				h.Closed()
			}
		}),
	}
	if n.cfg.User != "" {
		opts = append(opts, nats.UserInfo(n.cfg.User, n.cfg.Password))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", n.cfg.URL, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("init jetstream: %w", err)
	}

	n.mu.Lock()
	old := n.nc
	n.nc, n.js = nc, js
	n.mu.Unlock()

	if old != nil {
		old.Close()
	}

	n.logger.Info("Connected to nats", "url", nc.ConnectedUrlRedacted())
	return nil
}

func (n *NATS) jetStream() (nats.JetStreamContext, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.js == nil {
		return nil, errors.New("nats not connected")
	}
	return n.js, nil
}

// Declare creates the durable stream for destination if it does not exist.
func (n *NATS) Declare(ctx context.Context, destination string) error {
	js, err := n.jetStream()
	if err != nil {
		return err
	}

	stream := StreamFor(destination)
	if _, err := js.StreamInfo(stream, nats.Context(ctx)); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", stream, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       stream,
		Subjects:   []string{SubjectFor(destination)},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: dedupeWindow,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", stream, err)
	}

	n.logger.Info("Declared stream", "stream", stream, "subject", SubjectFor(destination))
	return nil
}

// Send publishes to the destination subject, using the event id for JetStream dedupe.
func (n *NATS) Send(ctx context.Context, destination string, ev notifier.Event, payload []byte) error {
	js, err := n.jetStream()
	if err != nil {
		return err
	}

	msg := nats.NewMsg(SubjectFor(destination))
	msg.Data = payload
	if ev.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, ev.ID)
	}

	ack, err := js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if ack.Duplicate {
		n.logger.Debug("JetStream reported duplicate publish", "event_id", ev.ID, "stream", ack.Stream)
	}
	return nil
}

// Close closes the connection without reporting it as an unexpected close.
func (n *NATS) Close() error {
	n.mu.Lock()
	nc := n.nc
	n.nc, n.js = nil, nil
	n.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	return nil
}
