package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"relaygrid/internal/core/domain"
)

func newTestBus(t *testing.T, bufferSize int) *MemoryBus {
	t.Helper()
	b := NewMemoryBus(bufferSize, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := newTestBus(t, 16)

	sub, err := b.Subscribe("topic-a")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("topic-a", "first"))
	require.NoError(t, b.Broadcast("topic-a", "second"))

	msg := <-sub.C()
	assert.Equal(t, "topic-a", msg.Topic)
	assert.Equal(t, "first", msg.Payload)

	msg = <-sub.C()
	assert.Equal(t, "second", msg.Payload)
}

func TestMemoryBusFansOutToAllSubscribers(t *testing.T) {
	b := newTestBus(t, 16)

	sub1, err := b.Subscribe("topic-a")
	require.NoError(t, err)
	sub2, err := b.Subscribe("topic-a")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("topic-a", "hello"))

	assert.Equal(t, "hello", (<-sub1.C()).Payload)
	assert.Equal(t, "hello", (<-sub2.C()).Payload)
}

func TestMemoryBusNoSubscribersIsNotAnError(t *testing.T) {
	b := newTestBus(t, 16)
	assert.NoError(t, b.Broadcast("nobody-home", "hello"))
}

func TestMemoryBusTopicsAreIsolated(t *testing.T) {
	b := newTestBus(t, 16)

	subA, err := b.Subscribe("topic-a")
	require.NoError(t, err)
	subB, err := b.Subscribe("topic-b")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("topic-a", "for-a"))

	assert.Equal(t, "for-a", (<-subA.C()).Payload)
	select {
	case msg := <-subB.C():
		t.Fatalf("unexpected delivery on topic-b: %v", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBusDropsWhenSubscriberQueueFull(t *testing.T) {
	b := newTestBus(t, 1)

	sub, err := b.Subscribe("topic-a")
	require.NoError(t, err)

	require.NoError(t, b.Broadcast("topic-a", "kept"))
	require.NoError(t, b.Broadcast("topic-a", "dropped"))

	assert.Equal(t, "kept", (<-sub.C()).Payload)
	select {
	case msg := <-sub.C():
		t.Fatalf("expected the second message to be dropped, got %v", msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, 16)

	sub, err := b.Subscribe("topic-a")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, b.Broadcast("topic-a", "late"))

	// channel is closed, not delivering
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestMemoryBusCloseClosesSubscriberChannels(t *testing.T) {
	b := NewMemoryBus(16, zaptest.NewLogger(t).Sugar())

	sub, err := b.Subscribe("topic-a")
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)

	_, err = b.Subscribe("topic-a")
	assert.ErrorIs(t, err, domain.ErrBusClosed)
	assert.ErrorIs(t, b.Broadcast("topic-a", "x"), domain.ErrBusClosed)

	// closing twice is fine
	assert.NoError(t, b.Close())
}

func TestMemoryBusSubscriptionTopic(t *testing.T) {
	b := newTestBus(t, 16)

	sub, err := b.Subscribe("stream:audio:p:t")
	require.NoError(t, err)
	assert.Equal(t, "stream:audio:p:t", sub.Topic())
}
