// Package publish delivers visit notifications to the content platform's message broker.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"oae-pad-notifier/pkg/notifier"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultDestination is the queue the content platform consumes pad publish tasks from.
const DefaultDestination = "oae-content/etherpad-publish"

const (
	defaultBackoff      = 5 * time.Second
	defaultSendTimeout  = 5 * time.Second
	defaultDialAttempts = 5
	defaultCloseGrace   = 30 * time.Second
)

// State is the publisher's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Errored
	ClosedClean
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Errored:
		return "error"
	case ClosedClean:
		return "closed_clean"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handlers receive connection lifecycle events from a Broker.
type Handlers struct {
	Ready  func()      // Connection (re)established by the client itself
	Error  func(error) // Client reported an error; it retries on its own
	Closed func()      // Connection closed; the client will not reconnect
}

// Broker is a message broker backend.
type Broker interface {
	Name() string
	// Dial opens a connection, replacing any previous one without firing its handlers.
	Dial(ctx context.Context, h Handlers) error
	// Declare ensures the durable destination exists.
	Declare(ctx context.Context, destination string) error
	Send(ctx context.Context, destination string, ev notifier.Event, payload []byte) error
	Close() error
}

// Config holds publisher settings.
type Config struct {
	Destination  string
	Backoff      time.Duration // Delay between dial attempts
	SendTimeout  time.Duration
	DialAttempts uint          // Attempts per dial round before backing off
	CloseGrace   time.Duration // How long an errored close may wait for the client's own reconnect
}

// Publisher owns the process-wide broker connection.
type Publisher struct {
	broker       Broker
	logger       *slog.Logger
	destination  string
	backoff      time.Duration
	sendTimeout  time.Duration
	dialAttempts uint
	closeGrace   time.Duration

	mu      sync.Mutex
	state   State
	errored bool   // An error preceded the next close
	gen     uint64 // Bumped by every broker error or close
	dialing bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a publisher for broker. Call Start to connect.
func New(broker Broker, cfg Config, logger *slog.Logger) *Publisher {
	p := &Publisher{
		broker:       broker,
		logger:       logger,
		destination:  cfg.Destination,
		backoff:      cfg.Backoff,
		sendTimeout:  cfg.SendTimeout,
		dialAttempts: cfg.DialAttempts,
		closeGrace:   cfg.CloseGrace,
		state:        Disconnected,
	}
	if p.destination == "" {
		p.destination = DefaultDestination
	}
	if p.backoff <= 0 {
		p.backoff = defaultBackoff
	}
	if p.sendTimeout <= 0 {
		p.sendTimeout = defaultSendTimeout
	}
	if p.dialAttempts == 0 {
		p.dialAttempts = defaultDialAttempts
	}
	if p.closeGrace <= 0 {
		p.closeGrace = defaultCloseGrace
	}
	return p
}

// State returns the current connection state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins connecting in the background. Reconnects stop when ctx is cancelled or Close is called.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	p.redial()
}

// Close stops reconnecting and closes the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.state = Disconnected
	p.mu.Unlock()

	p.wg.Wait()
	if err := p.broker.Close(); err != nil {
		return fmt.Errorf("close %s: %w", p.broker.Name(), err)
	}
	return nil
}

// Publish sends ev if the broker is ready. It never blocks longer than the
// send timeout and never returns an error: failures are logged and dropped.
func (p *Publisher) Publish(ctx context.Context, ev notifier.Event) {
	if !ev.Deliverable() {
		p.logger.Warn("Dropping notification without platform identifiers", "event_id", ev.ID)
		return
	}

	if state := p.State(); state != Ready {
		p.logger.Error("Dropping notification, broker not ready",
			"broker", p.broker.Name(),
			"state", state.String(),
			"content_id", ev.ContentID,
			"user_id", ev.UserID)
		return
	}

	payload, err := ev.Payload()
	if err != nil {
		p.logger.Error("Failed to encode notification", "event_id", ev.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.sendTimeout)
	defer cancel()

	start := time.Now()
	if err := p.broker.Send(ctx, p.destination, ev, payload); err != nil {
		p.logger.Error("Failed to publish notification",
			"broker", p.broker.Name(),
			"destination", p.destination,
			"content_id", ev.ContentID,
			"user_id", ev.UserID,
			"error", err)
		return
	}

	p.logger.Info("Notification published",
		"broker", p.broker.Name(),
		"destination", p.destination,
		"event_id", ev.ID,
		"content_id", ev.ContentID,
		"user_id", ev.UserID,
		"duration_ms", time.Since(start).Milliseconds())
}

func (p *Publisher) handlers() Handlers {
	return Handlers{
		Ready:  p.handleReady,
		Error:  p.handleError,
		Closed: p.handleClosed,
	}
}

// redial starts a dial loop unless one is already running.
func (p *Publisher) redial() {
	p.mu.Lock()
	if p.dialing || p.ctx == nil || p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.dialing = true
	p.state = Connecting
	ctx := p.ctx
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		connected := p.dialLoop(ctx)

		p.mu.Lock()
		p.dialing = false
		p.mu.Unlock()

		if connected {
			p.handleReady()
		}
	}()
}

func (p *Publisher) dialLoop(ctx context.Context) bool {
	for {
		err := retry.Do(
			func() error {
				return p.broker.Dial(ctx, p.handlers())
			},
			retry.Attempts(p.dialAttempts),
			retry.Delay(p.backoff),
			retry.MaxDelay(p.backoff),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, err error) {
				p.logger.Info("Retrying broker connection after error", "broker", p.broker.Name(), "attempt", n, "error", err)
			}),
		)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		p.logger.Error("Broker connection failed, backing off",
			"broker", p.broker.Name(),
			"backoff", p.backoff.String(),
			"error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.backoff):
		}
	}
}

// handleReady re-establishes the destination before accepting publishes.
// An error or close reported while declaring keeps the publisher out of Ready.
func (p *Publisher) handleReady() {
	p.mu.Lock()
	ctx, gen := p.ctx, p.gen
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	err := retry.Do(
		func() error {
			return p.broker.Declare(ctx, p.destination)
		},
		retry.Attempts(p.dialAttempts),
		retry.Delay(p.backoff),
		retry.MaxDelay(p.backoff),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying destination declare after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		p.logger.Error("Failed to declare destination, reconnecting",
			"broker", p.broker.Name(),
			"destination", p.destination,
			"error", err)
		p.mu.Lock()
		p.state = Errored
		p.mu.Unlock()
		p.redial()
		return
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		p.logger.Warn("Broker connection changed while declaring destination, not accepting publishes",
			"broker", p.broker.Name(),
			"destination", p.destination)
		return
	}
	p.state = Ready
	p.errored = false
	p.mu.Unlock()

	p.logger.Info("Connected to broker destination", "broker", p.broker.Name(), "destination", p.destination)
}

func (p *Publisher) handleError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	p.gen++
	p.errored = true
	p.state = Errored
	p.logger.Error("Error in the broker connection, client is reconnecting", "broker", p.broker.Name(), "error", err)
}

func (p *Publisher) handleClosed() {
	p.mu.Lock()
	if p.ctx == nil || p.ctx.Err() != nil {
		p.state = Disconnected
		p.mu.Unlock()
		return
	}

	p.gen++

	if p.errored {
		// The client is already backing off because of the error. Redial
		// only if it has not come back within the grace period.
		p.errored = false
		p.state = Connecting
		ctx, gen := p.ctx, p.gen
		p.wg.Add(1)
		p.mu.Unlock()
		go p.redialIfStalled(ctx, gen)
		return
	}

	// A close without an error does not self-heal.
	p.state = ClosedClean
	p.mu.Unlock()

	p.logger.Warn("Broker connection closed, reconnecting", "broker", p.broker.Name())
	p.redial()
}

func (p *Publisher) redialIfStalled(ctx context.Context, gen uint64) {
	defer p.wg.Done()

	timer := time.NewTimer(p.closeGrace)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	p.mu.Lock()
	stalled := p.gen == gen && p.state == Connecting
	p.mu.Unlock()
	if !stalled {
		return
	}

	p.logger.Warn("Broker client did not reconnect after error, redialing",
		"broker", p.broker.Name(),
		"grace", p.closeGrace.String())
	p.redial()
}
