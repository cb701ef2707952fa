package bus

import (
	"sync"

	"go.uber.org/zap"

	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
)

// MemoryBus is an in-process MessageBus: per-subscriber buffered queues with
// publish-order delivery per topic. Used by single-node deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	closed bool

	bufferSize int
	logger     *zap.SugaredLogger
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	ch    chan ports.BusMessage
	once  sync.Once
}

// NewMemoryBus creates an in-process bus. bufferSize bounds each
// subscriber's queue; a full queue drops the delivery (at-most-once).
func NewMemoryBus(bufferSize int, logger *zap.SugaredLogger) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBus{
		subs:       make(map[string][]*memorySubscription),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

func (b *MemoryBus) Subscribe(topic string) (ports.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrBusClosed
	}

	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan ports.BusMessage, b.bufferSize),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Broadcast fans the message out to all current subscribers of the topic.
// No subscribers is not an error. A subscriber whose queue is full loses
// this delivery rather than blocking the publisher.
func (b *MemoryBus) Broadcast(topic string, msg interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return domain.ErrBusClosed
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ports.BusMessage{Topic: topic, Payload: msg}:
		default:
			b.logger.Warnw("dropping bus message, subscriber queue full",
				"topic", topic,
			)
		}
	}
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	return nil
}

func (s *memorySubscription) C() <-chan ports.BusMessage { return s.ch }

func (s *memorySubscription) Topic() string { return s.topic }

func (s *memorySubscription) Close() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}
