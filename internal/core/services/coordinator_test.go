package services

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
	businfra "relaygrid/internal/infrastructure/bus"
)

const (
	testPub domain.PublisherID  = "pub-1"
	testSub domain.SubscriberID = "sub-1"
)

type capturedPacket struct {
	trackID domain.TrackID
	sn      uint16
	ts      uint32
}

type captureSink struct {
	mu      sync.Mutex
	packets []capturedPacket
	closed  bool
}

func (s *captureSink) SendPacket(trackID domain.TrackID, pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, capturedPacket{
		trackID: trackID,
		sn:      pkt.SequenceNumber,
		ts:      pkt.Timestamp,
	})
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) captured() []capturedPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]capturedPacket, len(s.packets))
	copy(out, s.packets)
	return out
}

func (s *captureSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// topicRecorder collects every message broadcast on one topic.
type topicRecorder struct {
	mu   sync.Mutex
	msgs []ports.BusMessage
}

func recordTopic(t *testing.T, b ports.MessageBus, topic string) *topicRecorder {
	t.Helper()
	sub, err := b.Subscribe(topic)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	r := &topicRecorder{}
	go func() {
		for msg := range sub.C() {
			r.mu.Lock()
			r.msgs = append(r.msgs, msg)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *topicRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *topicRecorder) messages() []ports.BusMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ports.BusMessage, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// countingBus wraps a bus and counts Subscribe calls per topic.
type countingBus struct {
	ports.MessageBus
	mu         sync.Mutex
	subscribes map[string]int
}

func newCountingBus(inner ports.MessageBus) *countingBus {
	return &countingBus{MessageBus: inner, subscribes: make(map[string]int)}
}

func (b *countingBus) Subscribe(topic string) (ports.Subscription, error) {
	b.mu.Lock()
	b.subscribes[topic]++
	b.mu.Unlock()
	return b.MessageBus.Subscribe(topic)
}

func (b *countingBus) subscribeCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[topic]
}

func simulcastVideoTrack(id domain.TrackID) *domain.Track {
	return &domain.Track{
		ID:     id,
		Kind:   domain.TrackKindVideo,
		Layers: []domain.Layer{domain.LayerLow, domain.LayerMid, domain.LayerHigh},
	}
}

func audioTrack(id domain.TrackID) *domain.Track {
	return &domain.Track{ID: id, Kind: domain.TrackKindAudio}
}

func newTestCoordinator(t *testing.T, cfg CoordinatorConfig) (*Coordinator, *businfra.MemoryBus, *captureSink, *clock.Mock) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	b := businfra.NewMemoryBus(64, logger)
	sink := &captureSink{}
	mck := clock.NewMock()

	c, err := NewCoordinator(testSub, testPub, b, sink, cfg, mck, ports.NopMetrics{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		b.Close()
	})
	return c, b, sink, mck
}

func announce(b ports.MessageBus, audio, video *domain.Track) {
	b.Broadcast(domain.StreamInfoTopic(testPub), &domain.TrackInfoMessage{
		Type:       domain.MessageTypeInfo,
		AudioTrack: audio,
		VideoTrack: video,
	})
}

func sendVideo(b ports.MessageBus, track domain.TrackID, layer domain.Layer, keyframe bool, sn uint16, ts uint32) {
	b.Broadcast(domain.VideoTopic(testPub, track, layer), &domain.MediaMessage{
		Type:     domain.MessageTypeVideo,
		Layer:    layer,
		Keyframe: keyframe,
		Packet:   &rtp.Packet{Header: rtp.Header{SequenceNumber: sn, Timestamp: ts}},
	})
}

func sendAudio(b ports.MessageBus, track domain.TrackID, sn uint16, ts uint32) {
	b.Broadcast(domain.AudioTopic(testPub, track), &domain.MediaMessage{
		Type:   domain.MessageTypeAudio,
		Packet: &rtp.Packet{Header: rtp.Header{SequenceNumber: sn, Timestamp: ts}},
	})
}

func waitForwarded(t *testing.T, c *Coordinator, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Stats().PacketsForwarded >= n
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorBindsOnFirstAnnouncement(t *testing.T) {
	c, b, _, _ := newTestCoordinator(t, DefaultCoordinatorConfig())
	control := recordTopic(t, b, domain.ControlTopic(testPub))

	announce(b, audioTrack("a1"), simulcastVideoTrack("v1"))

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Locked && s.CurrentLayer == domain.LayerHigh
	}, time.Second, 5*time.Millisecond)

	// binding requests a keyframe so forwarding can start
	require.Eventually(t, func() bool {
		return control.count() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorGatesVideoOnKeyframe(t *testing.T) {
	c, b, sink, _ := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	// delta frames before the first keyframe never reach the sink
	sendVideo(b, "v1", domain.LayerHigh, false, 10, 1000)
	require.Eventually(t, func() bool {
		return c.Stats().PacketsDropped >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.captured())

	sendVideo(b, "v1", domain.LayerHigh, true, 11, 2000)
	sendVideo(b, "v1", domain.LayerHigh, false, 12, 3000)
	waitForwarded(t, c, 2)

	pkts := sink.captured()
	require.Len(t, pkts, 2)
	assert.Equal(t, uint16(11), pkts[0].sn)
	assert.Equal(t, uint16(12), pkts[1].sn)
}

func TestCoordinatorForwardsAudio(t *testing.T) {
	c, b, sink, _ := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, audioTrack("a1"), nil)
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	sendAudio(b, "a1", 500, 8000)
	sendAudio(b, "a1", 501, 8960)
	waitForwarded(t, c, 2)

	pkts := sink.captured()
	require.Len(t, pkts, 2)
	assert.Equal(t, domain.TrackID("a1"), pkts[0].trackID)
	assert.Equal(t, uint16(500), pkts[0].sn)
	assert.Equal(t, uint16(501), pkts[1].sn)
}

func TestLayerSwitchCutsOverOnKeyframe(t *testing.T) {
	c, b, sink, _ := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	sendVideo(b, "v1", domain.LayerHigh, true, 1000, 90000)
	waitForwarded(t, c, 1)

	require.NoError(t, c.SetTargetLayer(domain.LayerLow))
	require.Eventually(t, func() bool {
		return c.Stats().TargetLayer == domain.LayerLow
	}, time.Second, 5*time.Millisecond)

	// a delta on the target layer must not trigger the cut-over
	sendVideo(b, "v1", domain.LayerLow, false, 4999, 600000)
	require.Eventually(t, func() bool {
		return c.Stats().PacketsDropped >= 1
	}, time.Second, 5*time.Millisecond)

	// the current layer keeps flowing while the switch is pending
	sendVideo(b, "v1", domain.LayerHigh, false, 1001, 93000)
	waitForwarded(t, c, 2)

	// the target keyframe completes the switch
	sendVideo(b, "v1", domain.LayerLow, true, 5000, 603000)
	waitForwarded(t, c, 3)

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.CurrentLayer == domain.LayerLow && s.TargetLayer == domain.LayerNone && s.LayerSwitches == 1
	}, time.Second, 5*time.Millisecond)

	pkts := sink.captured()
	require.Len(t, pkts, 3)
	assert.Equal(t, uint16(1000), pkts[0].sn)
	assert.Equal(t, uint16(1001), pkts[1].sn)
	assert.Equal(t, uint16(1002), pkts[2].sn, "cut-over keyframe continues the outgoing numbering")
}

func TestSwitchToCurrentLayerIsNoOp(t *testing.T) {
	c, b, _, _ := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SetTargetLayer(domain.LayerHigh))

	time.Sleep(50 * time.Millisecond)
	s := c.Stats()
	assert.Equal(t, domain.LayerNone, s.TargetLayer)
	assert.Zero(t, s.LayerSwitches)
}

func TestSetTargetLayerRejectsUnknownLabel(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, DefaultCoordinatorConfig())
	assert.Error(t, c.SetTargetLayer(domain.Layer("ultra")))
}

func TestSwitchAbortsAfterMaxAttempts(t *testing.T) {
	cfg := DefaultCoordinatorConfig()
	cfg.SwitchRetryInterval = 100 * time.Millisecond
	cfg.SwitchMaxAttempts = 2
	cfg.TickInterval = 100 * time.Millisecond

	c, b, _, mck := newTestCoordinator(t, cfg)
	control := recordTopic(t, b, domain.ControlTopic(testPub))

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	sendVideo(b, "v1", domain.LayerHigh, true, 1, 1)
	waitForwarded(t, c, 1)

	require.NoError(t, c.SetTargetLayer(domain.LayerMid))
	require.Eventually(t, func() bool {
		return c.Stats().TargetLayer == domain.LayerMid
	}, time.Second, 5*time.Millisecond)

	// no keyframe ever arrives on the target layer; the retries run out
	require.Eventually(t, func() bool {
		mck.Add(cfg.TickInterval)
		return c.Stats().TargetLayer == domain.LayerNone
	}, 2*time.Second, 10*time.Millisecond)

	s := c.Stats()
	assert.Equal(t, domain.LayerHigh, s.CurrentLayer, "aborted switch keeps the current layer")
	assert.Zero(t, s.LayerSwitches)
	assert.GreaterOrEqual(t, control.count(), 2, "bind plus at least one switch keyframe request")
}

func TestTrackReplacementIgnoredWhileLocked(t *testing.T) {
	c, b, _, _ := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, audioTrack("a1"), simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	announce(b, audioTrack("a2"), simulcastVideoTrack("v2"))

	time.Sleep(50 * time.Millisecond)
	s := c.Stats()
	assert.True(t, s.Locked)
	assert.Zero(t, s.Rebinds)
}

func TestByeUnlocksAndAllowsRebind(t *testing.T) {
	c, b, sink, _ := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	sendVideo(b, "v1", domain.LayerHigh, true, 100, 9000)
	waitForwarded(t, c, 1)

	// bye for the bound identities unlocks ahead of the timeout
	b.Broadcast(domain.StreamInfoTopic(testPub), &domain.TrackInfoMessage{
		Type:       domain.MessageTypeBye,
		VideoTrack: simulcastVideoTrack("v1"),
	})
	require.Eventually(t, func() bool { return !c.Stats().Locked }, time.Second, 5*time.Millisecond)

	announce(b, nil, simulcastVideoTrack("v2"))
	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Rebinds == 1 && s.Locked
	}, time.Second, 5*time.Millisecond)

	// new source starts anywhere; the subscriber-facing numbering continues
	sendVideo(b, "v2", domain.LayerHigh, true, 30000, 500000)
	waitForwarded(t, c, 2)

	pkts := sink.captured()
	require.Len(t, pkts, 2)
	assert.Equal(t, uint16(100), pkts[0].sn)
	assert.Equal(t, uint16(101), pkts[1].sn)
}

func TestByeForDifferentIdentitiesIgnored(t *testing.T) {
	c, b, _, _ := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	b.Broadcast(domain.StreamInfoTopic(testPub), &domain.TrackInfoMessage{
		Type:       domain.MessageTypeBye,
		VideoTrack: simulcastVideoTrack("v9"),
	})

	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.Stats().Locked)
}

func TestLockExpiresWithoutAnnouncements(t *testing.T) {
	c, b, _, mck := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mck.Add(500 * time.Millisecond)
		return !c.Stats().Locked
	}, 2*time.Second, 10*time.Millisecond)

	// unlocked is not unbound: the stream keeps forwarding
	sendVideo(b, "v1", domain.LayerHigh, true, 1, 1)
	waitForwarded(t, c, 1)

	// a differing announcement may now rebind
	announce(b, nil, simulcastVideoTrack("v2"))
	require.Eventually(t, func() bool {
		return c.Stats().Rebinds == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMatchingAnnouncementRearmsLock(t *testing.T) {
	c, b, _, mck := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	// 2s into the 3s lock window, a matching announcement re-arms the deadline
	mck.Add(2 * time.Second)
	announce(b, nil, simulcastVideoTrack("v1"))
	time.Sleep(50 * time.Millisecond)

	// 2s later the original deadline has passed but the re-armed one has not
	mck.Add(2 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.Stats().Locked)
}

func TestReportPacketLossRequestsKeyframe(t *testing.T) {
	c, b, _, _ := newTestCoordinator(t, DefaultCoordinatorConfig())
	control := recordTopic(t, b, domain.ControlTopic(testPub))

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return control.count() >= 1 }, time.Second, 5*time.Millisecond)

	c.ReportPacketLoss()
	require.Eventually(t, func() bool { return control.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestCloseClosesSink(t *testing.T) {
	c, _, sink, _ := newTestCoordinator(t, DefaultCoordinatorConfig())
	require.NoError(t, c.Close())
	require.Eventually(t, sink.isClosed, time.Second, 5*time.Millisecond)
}

func TestIdenticalAnnouncementDoesNotResubscribe(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	inner := businfra.NewMemoryBus(64, logger)
	b := newCountingBus(inner)
	sink := &captureSink{}

	c, err := NewCoordinator(testSub, testPub, b, sink, DefaultCoordinatorConfig(), clock.NewMock(), ports.NopMetrics{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		inner.Close()
	})

	announce(b, audioTrack("a1"), simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	audioTopic := domain.AudioTopic(testPub, "a1")
	videoTopic := domain.VideoTopic(testPub, "v1", domain.LayerHigh)
	require.Equal(t, 1, b.subscribeCount(audioTopic))
	require.Equal(t, 1, b.subscribeCount(videoTopic))

	// the same inventory again only moves the lock deadline
	announce(b, audioTrack("a1"), simulcastVideoTrack("v1"))
	announce(b, audioTrack("a1"), simulcastVideoTrack("v1"))
	time.Sleep(50 * time.Millisecond)

	s := c.Stats()
	assert.True(t, s.Locked)
	assert.Zero(t, s.Rebinds)
	assert.Equal(t, 1, b.subscribeCount(audioTopic))
	assert.Equal(t, 1, b.subscribeCount(videoTopic))
}

func TestStalePacketAfterCutOverDropped(t *testing.T) {
	c, b, sink, _ := newTestCoordinator(t, DefaultCoordinatorConfig())

	announce(b, nil, simulcastVideoTrack("v1"))
	require.Eventually(t, func() bool { return c.Stats().Locked }, time.Second, 5*time.Millisecond)

	sendVideo(b, "v1", domain.LayerHigh, true, 1000, 90000)
	waitForwarded(t, c, 1)

	require.NoError(t, c.SetTargetLayer(domain.LayerLow))
	sendVideo(b, "v1", domain.LayerLow, true, 5000, 603000)
	waitForwarded(t, c, 2)
	require.Eventually(t, func() bool {
		return c.Stats().CurrentLayer == domain.LayerLow
	}, time.Second, 5*time.Millisecond)

	dropped := c.Stats().PacketsDropped

	// a high-layer delivery still in flight when the cut-over unsubscribed
	c.send(coordEvent{bus: &ports.BusMessage{
		Topic: domain.VideoTopic(testPub, "v1", domain.LayerHigh),
		Payload: &domain.MediaMessage{
			Type:     domain.MessageTypeVideo,
			Layer:    domain.LayerHigh,
			Keyframe: false,
			Packet:   &rtp.Packet{Header: rtp.Header{SequenceNumber: 1001, Timestamp: 93000}},
		},
	}})

	require.Eventually(t, func() bool {
		return c.Stats().PacketsDropped == dropped+1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, sink.captured(), 2, "stale packet never reaches the subscriber")
}

func TestFullInboxNeverBlocksCallers(t *testing.T) {
	// no actor draining the inbox here: the callers below must return anyway
	c := &Coordinator{
		subscriberID: testSub,
		publisherID:  testPub,
		metrics:      ports.NopMetrics{},
		logger:       zaptest.NewLogger(t).Sugar(),
		inbox:        make(chan coordEvent, 1),
		done:         make(chan struct{}),
	}
	c.inbox <- coordEvent{lossHint: true}

	c.ReportPacketLoss()

	s := c.Stats()
	assert.Equal(t, testSub, s.SubscriberID)
	assert.Equal(t, testPub, s.PublisherID)
	assert.Zero(t, s.PacketsForwarded)
	require.Len(t, c.inbox, 1, "saturated inbox stays untouched")
}
