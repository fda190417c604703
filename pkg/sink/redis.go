package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dbbenchoor/pkg/config"
)

// NewRedisClient creates a client for the notification relay.
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisPublisher publishes envelopes on a Redis channel so that every
// process running a RedisRelay can deliver them to its own observers.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// Compile-time interface check.
var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher creates a publisher for channel.
func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing envelope: %w", err)
	}

	return nil
}

// RedisRelay forwards envelopes from a Redis channel to a local publisher.
type RedisRelay struct {
	log     logrus.FieldLogger
	client  redis.UniversalClient
	channel string
	target  Publisher

	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisRelay creates a relay from channel into target.
func NewRedisRelay(
	log logrus.FieldLogger,
	client redis.UniversalClient,
	channel string,
	target Publisher,
) *RedisRelay {
	return &RedisRelay{
		log:     log.WithField("component", "redis-relay"),
		client:  client,
		channel: channel,
		target:  target,
	}
}

// Start subscribes and returns once the subscription is confirmed, so no
// envelope published afterwards is missed.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()

		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	r.pubsub = pubsub

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.relay(pubsub.Channel())
	}()

	r.log.WithField("channel", r.channel).Info("Relaying notifications from Redis")

	return nil
}

func (r *RedisRelay) relay(messages <-chan *redis.Message) {
	for msg := range messages {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.log.WithError(err).Warn("Dropping malformed envelope")

			continue
		}

		if err := r.target.Publish(context.Background(), &env); err != nil {
			r.log.WithError(err).WithField("record_id", env.RecordID).
				Warn("Failed to deliver relayed envelope")
		}
	}
}

// Stop unsubscribes and waits for the relay loop to exit.
func (r *RedisRelay) Stop() error {
	if r.pubsub == nil {
		return nil
	}

	err := r.pubsub.Close()
	r.wg.Wait()
	r.pubsub = nil

	if err != nil {
		return fmt.Errorf("closing subscription: %w", err)
	}

	return nil
}
