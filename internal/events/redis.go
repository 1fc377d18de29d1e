package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/amanullahtanweer/voice-intake/internal/flow"
)

const (
	// DefaultRedisPrefix prefixes the channel name of every session
	DefaultRedisPrefix = "intake:session:"

	publishTimeout = 800 * time.Millisecond
	queueSize      = 256
)

// Publisher is the subset of a Redis client used for event delivery
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes each event as JSON on {prefix}{session_id}.
// Events are queued by Observe and sent by Run so a slow Redis never
// delays the workflow.
type RedisPublisher struct {
	client Publisher
	prefix string
	logger *slog.Logger
	queue  chan flow.Event
}

// NewRedisPublisher wraps a Redis client; an empty prefix uses DefaultRedisPrefix
func NewRedisPublisher(client Publisher, prefix string, logger *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		logger: logger,
		queue:  make(chan flow.Event, queueSize),
	}
}

// NewRedisClient dials Redis from an address like localhost:6379
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Channel returns the channel name of a session
func (p *RedisPublisher) Channel(sessionID string) string {
	return p.prefix + sessionID
}

// Observe queues ev for publishing
func (p *RedisPublisher) Observe(ev flow.Event) {
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("Redis event queue full, dropping event", "session_id", ev.SessionID, "event", ev.Type)
	}
}

// Run publishes queued events until ctx is done
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.publish(ev)
		}
	}
}

func (p *RedisPublisher) publish(ev flow.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode event", "event", ev.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	channel := p.Channel(ev.SessionID)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Warn("Redis PUBLISH failed", "channel", channel, "event", ev.Type, "error", err)
	}
}
