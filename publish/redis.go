package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"oae-pad-notifier/pkg/notifier"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPingInterval = 5 * time.Second
	redisPingTimeout    = 3 * time.Second
)

// RedisConfig holds connection settings for the Redis list broker.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	Backoff      time.Duration // go-redis retry backoff ceiling
	PingInterval time.Duration // Health check cadence
}

// Redis pushes notifications onto a Redis list the content platform pops from.
type Redis struct {
	opts         redis.Options
	pingInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	client *redis.Client
	stop   chan struct{}
}

// NewRedis creates a Redis broker. Nothing connects until Dial.
func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	interval := cfg.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	return &Redis{
		opts: redis.Options{
			Addr:            cfg.Addr,
			Username:        cfg.Username,
			Password:        cfg.Password,
			DB:              cfg.DB,
			MinRetryBackoff: backoff / 8,
			MaxRetryBackoff: backoff,
		},
		pingInterval: interval,
		logger:       logger,
	}
}

// Name implements Broker.
func (r *Redis) Name() string { return "redis" }

// Dial connects and starts the health watcher that reports connection events to h.
func (r *Redis) Dial(ctx context.Context, h Handlers) error {
	opts := r.opts
	client := redis.NewClient(&opts)

	pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	stop := make(chan struct{})
	r.mu.Lock()
	old, oldStop := r.client, r.stop
	r.client, r.stop = client, stop
	r.mu.Unlock()

	if oldStop != nil {
		close(oldStop)
	}
	if old != nil {
		if err := old.Close(); err != nil {
			r.logger.Warn("Failed to close previous redis client", "error", err)
		}
	}

	r.logger.Info("Connected to redis", "addr", opts.Addr, "db", opts.DB)
	go r.watch(client, stop, h)
	return nil
}

// watch pings the server. The go-redis pool redials dropped connections by
// itself, so any failed ping (EOF and reset included) reports Error and the
// next good ping reports Ready. Only a closed client ends the watch, since
// nothing will redial it.
func (r *Redis) watch(client *redis.Client, stop chan struct{}, h Handlers) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		err := client.Ping(ctx).Err()
		cancel()

		select {
		case <-stop:
			return
		default:
		}

		switch {
		case err == nil:
			if !healthy {
				healthy = true
				h.Ready()
			}
		case clientClosed(err):
			h.Closed()
			return
		default:
			if healthy {
				healthy = false
				h.Error(err)
			}
		}
	}
}

func clientClosed(err error) bool {
	return errors.Is(err, redis.ErrClosed)
}

func (r *Redis) current() (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, errors.New("redis not connected")
	}
	return r.client, nil
}

// Declare checks the destination key is unused or already a list.
func (r *Redis) Declare(ctx context.Context, destination string) error {
	client, err := r.current()
	if err != nil {
		return err
	}
	kind, err := client.Type(ctx, destination).Result()
	if err != nil {
		return fmt.Errorf("inspect %s: %w", destination, err)
	}
	if kind != "none" && kind != "list" {
		return fmt.Errorf("destination %s holds a %s, not a list", destination, kind)
	}
	return nil
}

// Send pushes the payload onto the destination list.
func (r *Redis) Send(ctx context.Context, destination string, ev notifier.Event, payload []byte) error {
	client, err := r.current()
	if err != nil {
		return err
	}
	if err := client.LPush(ctx, destination, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", destination, err)
	}
	return nil
}

// Close stops the watcher and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	client, stop := r.client, r.stop
	r.client, r.stop = nil, nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if client == nil {
		return nil
	}
	return client.Close()
}
