package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
)

// RedisBus is a MessageBus over Redis PUBLISH/SUBSCRIBE, used when relays and
// coordinators run on different nodes. Messages cross the wire as JSON
// envelopes with media payloads marshalled to raw RTP bytes.
type RedisBus struct {
	client *redis.Client
	logger *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(address, password string, db, poolSize int, logger *zap.SugaredLogger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", address,
		"db", db,
		"pool_size", poolSize,
	)

	return &RedisBus{
		client: client,
		logger: logger,
	}, nil
}

func (b *RedisBus) Subscribe(topic string) (ports.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.ErrBusClosed
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, topic)

	// Force the subscription onto the wire before returning so a Broadcast
	// issued right after Subscribe cannot outrun it.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		topic:  topic,
		pubsub: pubsub,
		cancel: cancel,
		ch:     make(chan ports.BusMessage, 256),
	}

	go sub.run(b.logger)
	return sub, nil
}

func (b *RedisBus) Broadcast(topic string, msg interface{}) error {
	data, err := domain.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", topic, err)
	}

	// Fire-and-forget: zero receivers is fine, the count is ignored.
	if err := b.client.Publish(context.Background(), topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Ping reports whether the Redis connection is alive.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

type redisSubscription struct {
	topic  string
	pubsub *redis.PubSub
	cancel context.CancelFunc
	ch     chan ports.BusMessage
	once   sync.Once
}

func (s *redisSubscription) run(logger *zap.SugaredLogger) {
	defer s.once.Do(func() { close(s.ch) })

	for msg := range s.pubsub.Channel() {
		payload, err := domain.DecodeMessage([]byte(msg.Payload))
		if err != nil {
			logger.Warnw("failed to decode bus message",
				"topic", s.topic,
				"error", err,
			)
			continue
		}

		select {
		case s.ch <- ports.BusMessage{Topic: s.topic, Payload: payload}:
		default:
			logger.Warnw("dropping bus message, subscriber queue full",
				"topic", s.topic,
			)
		}
	}
}

func (s *redisSubscription) C() <-chan ports.BusMessage { return s.ch }

func (s *redisSubscription) Topic() string { return s.topic }

func (s *redisSubscription) Close() error {
	s.cancel()
	return s.pubsub.Close()
}
