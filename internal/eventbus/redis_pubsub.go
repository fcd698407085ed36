// Package eventbus fans committed escrow events out over Redis pub/sub so
// every escrowd instance (and any other consumer) sees them.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stellapay/escrowd/internal/circuitbreaker"
	"github.com/stellapay/escrowd/internal/escrow"
	"github.com/stellapay/escrowd/internal/metrics"
)

// publishTimeout bounds a single PUBLISH so a slow broker cannot stall a
// contract operation.
const publishTimeout = 2 * time.Second

// Publisher is the part of *redis.Client the publisher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher implements escrow.Emitter by publishing JSON events.
type RedisPublisher struct {
	client  Publisher
	channel string
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client Publisher, channel string, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// WithBreaker replaces the circuit breaker guarding the broker.
func (p *RedisPublisher) WithBreaker(b *circuitbreaker.Breaker) *RedisPublisher {
	p.breaker = b
	return p
}

// Publish sends ev to the channel.
func (p *RedisPublisher) Publish(ctx context.Context, ev escrow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s: %w", ev.Type, err)
	}
	return p.breaker.Do(p.channel, func() error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		return p.client.Publish(ctx, p.channel, string(data)).Err()
	})
}

// Emit publishes ev, logging instead of failing: delivery is best effort.
func (p *RedisPublisher) Emit(ctx context.Context, ev escrow.Event) {
	err := p.Publish(ctx, ev)
	switch {
	case err == nil:
		metrics.EventsPublishedTotal.WithLabelValues("redis", "ok").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.EventsPublishedTotal.WithLabelValues("redis", "circuit_open").Inc()
		p.logger.Debug("eventbus: circuit open, event dropped", "type", ev.Type, "escrowId", ev.EscrowID)
	default:
		metrics.EventsPublishedTotal.WithLabelValues("redis", "error").Inc()
		p.logger.Warn("eventbus: publish failed", "type", ev.Type, "escrowId", ev.EscrowID, "error", err)
	}
}

// RedisSubscriber relays events from the channel to a local emitter, such
// as the realtime hub.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisSubscriber creates a subscriber for channel.
func NewRedisSubscriber(client *redis.Client, channel string, logger *slog.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, channel: channel, logger: logger}
}

// Run subscribes and forwards every decoded event to sink until ctx is
// done. It returns once the subscription is confirmed; forwarding happens
// in a goroutine.
func (s *RedisSubscriber) Run(ctx context.Context, sink escrow.Emitter) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("eventbus: subscribe %s: %w", s.channel, err)
	}
	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev escrow.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("eventbus: undecodable event", "channel", msg.Channel, "error", err)
					continue
				}
				sink.Emit(ctx, ev)
			}
		}
	}()
	return nil
}
