package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
	"relaygrid/pkg/tracing"
)

// CoordinatorConfig tunes one subscriber coordinator.
type CoordinatorConfig struct {
	// LockTimeout is how long the coordinator stays locked to its bound
	// tracks without a matching announcement.
	LockTimeout time.Duration
	// TickInterval is the period of the recurring timer message that checks
	// the lock deadline and the switch retry deadline.
	TickInterval time.Duration
	// SwitchRetryInterval is how long to wait for a keyframe on the target
	// layer before requesting another one.
	SwitchRetryInterval time.Duration
	// SwitchMaxAttempts bounds keyframe requests per switch; on exhaustion
	// the switch is aborted.
	SwitchMaxAttempts int
	// MailboxSize bounds the actor inbox.
	MailboxSize int
}

// DefaultCoordinatorConfig returns the baseline coordinator tuning.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		LockTimeout:         3 * time.Second,
		TickInterval:        500 * time.Millisecond,
		SwitchRetryInterval: 500 * time.Millisecond,
		SwitchMaxAttempts:   6,
		MailboxSize:         512,
	}
}

// layerSwitch is the Switching arm of the cut-over state machine; a nil
// pointer is Idle.
type layerSwitch struct {
	target      domain.Layer
	attempts    int
	nextRequest time.Time
}

type coordEvent struct {
	bus      *ports.BusMessage
	setLayer *domain.Layer
	lossHint bool
	statsReq chan ports.CoordinatorStats
}

// Coordinator presents one subscriber with a single continuous-looking RTP
// stream while switching both the publisher it draws from (track rebind) and
// the simulcast layer it forwards (keyframe-gated cut-over).
//
// The coordinator is a sequential actor. Bus subscriptions are pumped into
// its inbox; every state transition happens on the actor goroutine, so no
// locking guards the state below.
type Coordinator struct {
	subscriberID domain.SubscriberID
	publisherID  domain.PublisherID
	bus          ports.MessageBus
	sink         ports.PacketSink
	cfg          CoordinatorConfig
	clk          clock.Clock
	metrics      ports.Metrics
	logger       *zap.SugaredLogger

	inbox     chan coordEvent
	done      chan struct{}
	closeOnce sync.Once

	// actor-owned state
	boundAudio   *domain.Track
	boundVideo   *domain.Track
	locked       bool
	lockDeadline time.Time
	currentLayer domain.Layer
	pending      *layerSwitch

	infoSub   ports.Subscription
	audioSub  ports.Subscription
	videoSub  ports.Subscription
	targetSub ports.Subscription

	audioMunger snTsMunger
	videoMunger snTsMunger

	// awaitKeyframe gates video forwarding after a (re)bind until the new
	// source produces a decodable frame.
	awaitKeyframe bool

	packetsForwarded uint64
	packetsDropped   uint64
	layerSwitches    uint64
	rebinds          uint64
}

// NewCoordinator creates a coordinator for one subscriber-publisher pairing
// and starts its actor loop. It begins Unbound, listening on the publisher's
// stream-info topic for the first track announcement.
func NewCoordinator(
	subscriberID domain.SubscriberID,
	publisherID domain.PublisherID,
	bus ports.MessageBus,
	sink ports.PacketSink,
	cfg CoordinatorConfig,
	clk clock.Clock,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) (*Coordinator, error) {
	infoSub, err := bus.Subscribe(domain.StreamInfoTopic(publisherID))
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		subscriberID: subscriberID,
		publisherID:  publisherID,
		bus:          bus,
		sink:         sink,
		cfg:          cfg,
		clk:          clk,
		metrics:      metrics,
		logger: logger.With(
			"subscriber_id", subscriberID,
			"publisher_id", publisherID,
		),
		inbox:   make(chan coordEvent, cfg.MailboxSize),
		done:    make(chan struct{}),
		infoSub: infoSub,
	}

	go c.pump(infoSub)
	go c.run()
	return c, nil
}

// SetTargetLayer requests a switch to the given layer. Switching to the
// current layer is a no-op; switching to the pending target is idempotent.
func (c *Coordinator) SetTargetLayer(layer domain.Layer) error {
	if !layer.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrLayerNotFound, layer)
	}
	c.send(coordEvent{setLayer: &layer})
	return nil
}

// ReportPacketLoss is called when the subscriber's own downstream transport
// reports loss; it re-requests a keyframe on the current layer. This shares
// one implementation path with bind and switch-start.
func (c *Coordinator) ReportPacketLoss() {
	c.send(coordEvent{lossHint: true})
}

// Stats returns a snapshot of the coordinator's state. Best-effort: when the
// inbox is saturated with media it returns an empty snapshot instead of
// queueing behind the backlog.
func (c *Coordinator) Stats() ports.CoordinatorStats {
	ch := make(chan ports.CoordinatorStats, 1)
	select {
	case c.inbox <- coordEvent{statsReq: ch}:
	case <-c.done:
		return ports.CoordinatorStats{SubscriberID: c.subscriberID, PublisherID: c.publisherID}
	default:
		return ports.CoordinatorStats{SubscriberID: c.subscriberID, PublisherID: c.publisherID}
	}
	select {
	case s := <-ch:
		return s
	case <-c.done:
		return ports.CoordinatorStats{SubscriberID: c.subscriberID, PublisherID: c.publisherID}
	}
}

// Close stops the actor, closes all topic subscriptions and the packet sink.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *Coordinator) send(ev coordEvent) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	default:
		c.metrics.IncPacketsDropped("coordinator_inbox_full")
		c.logger.Warnw("coordinator inbox full, dropping event")
	}
}

// pump forwards one subscription's deliveries into the actor inbox. It exits
// when the subscription closes; deliveries already queued for a closed
// subscription are discarded later by topic checks.
func (c *Coordinator) pump(sub ports.Subscription) {
	for msg := range sub.C() {
		m := msg
		select {
		case c.inbox <- coordEvent{bus: &m}:
		case <-c.done:
			return
		default:
			// steady-state handling must not stall; losing a packet here is
			// recovered by the munging scheme, losing an announcement by the
			// next periodic one
			c.metrics.IncPacketsDropped("coordinator_inbox_full")
		}
	}
}

func (c *Coordinator) run() {
	ticker := c.clk.Ticker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			c.teardown()
			return
		case ev := <-c.inbox:
			c.handleEvent(ev)
		case <-ticker.C:
			c.tick(c.clk.Now())
		}
	}
}

func (c *Coordinator) handleEvent(ev coordEvent) {
	switch {
	case ev.bus != nil:
		c.handleBusMessage(*ev.bus)
	case ev.setLayer != nil:
		c.handleSetLayer(*ev.setLayer)
	case ev.lossHint:
		if c.boundVideo != nil {
			c.requestKeyframe(c.currentLayer)
		}
	case ev.statsReq != nil:
		ev.statsReq <- c.snapshot()
	}
}

func (c *Coordinator) handleBusMessage(msg ports.BusMessage) {
	switch payload := msg.Payload.(type) {
	case *domain.TrackInfoMessage:
		if msg.Topic != c.infoSub.Topic() {
			return
		}
		if payload.Type == domain.MessageTypeBye {
			c.handleBye(payload)
		} else {
			c.handleAnnouncement(payload)
		}
	case *domain.MediaMessage:
		c.handleMedia(msg.Topic, payload)
	}
}

// handleAnnouncement drives the bind/lock state machine:
//
//	Unbound          -> Bound/Locked   on the first non-null announcement
//	Bound/Locked     -> stays locked   while matching announcements keep the
//	                                   deadline armed; differing identities
//	                                   are ignored until unlocked
//	Bound/Unlocked   -> Bound/Locked   matching identities re-lock in place;
//	                                   differing identities rebind
func (c *Coordinator) handleAnnouncement(ann *domain.TrackInfoMessage) {
	if ann.AudioTrack == nil && ann.VideoTrack == nil {
		return
	}

	if !c.bound() {
		c.bind(ann.AudioTrack, ann.VideoTrack)
		return
	}

	if c.sameIdentities(ann.AudioTrack, ann.VideoTrack) {
		// stale while locked is a no-op apart from re-arming the deadline;
		// while unlocked it re-locks without resubscribing
		c.locked = true
		c.lockDeadline = c.clk.Now().Add(c.cfg.LockTimeout)
		return
	}

	if c.locked {
		c.logger.Debugw("ignoring track replacement while locked")
		return
	}
	c.rebind(ann.AudioTrack, ann.VideoTrack)
}

// handleBye unlocks the coordinator ahead of its timeout when the publisher
// announces the end of exactly the tracks it is bound to.
func (c *Coordinator) handleBye(ann *domain.TrackInfoMessage) {
	if !c.bound() || !c.sameIdentities(ann.AudioTrack, ann.VideoTrack) {
		return
	}
	c.locked = false
	c.logger.Infow("publisher said bye, unlocked")
}

func (c *Coordinator) bind(audio, video *domain.Track) {
	ctx, span := tracing.TraceCoordinatorOperation(context.Background(), "bind",
		string(c.subscriberID), string(c.publisherID))
	defer span.End()

	now := c.clk.Now()
	c.boundAudio = audio
	c.boundVideo = video

	if audio != nil {
		c.audioSub = c.subscribe(domain.AudioTopic(c.publisherID, audio.ID))
	}
	if video != nil {
		c.currentLayer = video.HighestLayer()
		c.videoSub = c.subscribe(domain.VideoTopic(c.publisherID, video.ID, c.currentLayer))
		c.awaitKeyframe = true
		c.requestKeyframe(c.currentLayer)
	}

	c.locked = true
	c.lockDeadline = now.Add(c.cfg.LockTimeout)
	tracing.AddSpanAttributes(ctx, tracing.LayerKey.String(string(c.currentLayer)))
	c.logger.Infow("bound to publisher tracks",
		"audio_track", trackID(audio),
		"video_track", trackID(video),
		"layer", c.currentLayer,
	)
}

// rebind is the only path that changes the bound track identities. Closing
// the old subscriptions before binding the new tracks keeps a stale and a
// fresh packet stream from interleaving into the renumbering state.
func (c *Coordinator) rebind(audio, video *domain.Track) {
	if c.pending != nil {
		c.abortSwitch("track rebind")
	}
	c.closeSub(&c.audioSub)
	c.closeSub(&c.videoSub)

	c.audioMunger.scheduleResync()
	c.videoMunger.scheduleResync()

	c.rebinds++
	c.metrics.IncRebinds()
	c.logger.Infow("rebinding to new publisher tracks",
		"old_audio", trackID(c.boundAudio),
		"old_video", trackID(c.boundVideo),
		"new_audio", trackID(audio),
		"new_video", trackID(video),
	)
	c.bind(audio, video)
}

func (c *Coordinator) handleMedia(topic string, m *domain.MediaMessage) {
	switch {
	case c.audioSub != nil && topic == c.audioSub.Topic():
		c.forward(c.boundAudio.ID, m, &c.audioMunger)

	case c.videoSub != nil && topic == c.videoSub.Topic():
		if c.awaitKeyframe && !m.Keyframe {
			c.drop("await_keyframe")
			return
		}
		c.awaitKeyframe = false
		c.forward(c.boundVideo.ID, m, &c.videoMunger)

	case c.pending != nil && c.targetSub != nil && topic == c.targetSub.Topic():
		if !m.Keyframe {
			c.drop("pre_keyframe")
			return
		}
		c.cutOver(m)

	default:
		// packets for a layer we no longer (or never) track, including
		// deliveries in flight after an unsubscribe
		c.drop("untracked_topic")
		c.logger.Debugw("dropping packet on untracked topic", "topic", topic)
	}
}

// cutOver finalizes a layer switch on the first keyframe of the target
// layer: the old layer's subscription closes, the munger resyncs so the
// outgoing numbering stays contiguous, and the keyframe itself is forwarded.
func (c *Coordinator) cutOver(m *domain.MediaMessage) {
	ctx, span := tracing.TraceCoordinatorOperation(context.Background(), "cutover",
		string(c.subscriberID), string(c.publisherID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.LayerKey.String(string(c.pending.target)))

	c.closeSub(&c.videoSub)
	c.videoSub = c.targetSub
	c.targetSub = nil

	c.currentLayer = c.pending.target
	c.pending = nil
	c.awaitKeyframe = false

	c.videoMunger.scheduleResync()
	c.forward(c.boundVideo.ID, m, &c.videoMunger)

	c.layerSwitches++
	c.metrics.IncLayerSwitches()
	c.logger.Infow("layer switch complete", "layer", c.currentLayer)
}

// forward munges the packet's numbering and hands it to the sink. The packet
// header is copied first: the bus fans one packet out to many coordinators.
func (c *Coordinator) forward(trackID domain.TrackID, m *domain.MediaMessage, munger *snTsMunger) {
	pkt := *m.Packet
	pkt.SequenceNumber, pkt.Timestamp = munger.translate(pkt.SequenceNumber, pkt.Timestamp)

	if err := c.sink.SendPacket(trackID, &pkt); err != nil {
		c.drop("sink_error")
		c.logger.Warnw("failed to send packet downstream", "error", err)
		return
	}
	c.packetsForwarded++
	c.metrics.IncPacketsForwarded(string(kindOf(m.Type)))
}

func (c *Coordinator) handleSetLayer(layer domain.Layer) {
	if c.boundVideo == nil {
		c.logger.Warnw("layer switch requested while not bound", "layer", layer)
		return
	}

	if layer == c.currentLayer {
		if c.pending != nil {
			c.abortSwitch("target equals current layer")
		}
		return
	}

	if !c.boundVideo.Simulcast() || !c.boundVideo.HasLayer(layer) {
		c.logger.Warnw("requested layer not available", "layer", layer)
		return
	}

	if c.pending != nil {
		if c.pending.target == layer {
			return
		}
		// retarget: drop the old target subscription before opening the new
		c.abortSwitch("retargeted")
	}

	c.targetSub = c.subscribe(domain.VideoTopic(c.publisherID, c.boundVideo.ID, layer))
	c.pending = &layerSwitch{
		target:      layer,
		attempts:    1,
		nextRequest: c.clk.Now().Add(c.cfg.SwitchRetryInterval),
	}
	c.requestKeyframe(layer)
	c.logger.Infow("layer switch started",
		"current", c.currentLayer,
		"target", layer,
	)
}

// tick is the single recurring timer message: it checks the lock deadline
// and drives the bounded keyframe-retry policy of a pending switch. A
// re-lock just moves the deadline, so there is no timer to cancel or drain.
func (c *Coordinator) tick(now time.Time) {
	if c.locked && !c.lockDeadline.IsZero() && !now.Before(c.lockDeadline) {
		c.locked = false
		c.logger.Infow("lock expired, accepting track replacement")
	}

	if c.pending != nil && !now.Before(c.pending.nextRequest) {
		if c.pending.attempts >= c.cfg.SwitchMaxAttempts {
			c.abortSwitch("no keyframe on target layer")
			return
		}
		c.pending.attempts++
		c.pending.nextRequest = now.Add(c.cfg.SwitchRetryInterval)
		c.requestKeyframe(c.pending.target)
	}
}

func (c *Coordinator) abortSwitch(reason string) {
	c.closeSub(&c.targetSub)
	c.logger.Warnw("layer switch aborted",
		"target", c.pending.target,
		"attempts", c.pending.attempts,
		"reason", reason,
	)
	c.pending = nil
}

// requestKeyframe is the one shared path for bind, switch-start and
// downstream loss reports. Fire-and-forget; duplicates are harmless.
func (c *Coordinator) requestKeyframe(layer domain.Layer) {
	msg := &domain.KeyframeRequestMessage{
		Type:  domain.MessageTypeKeyframeRequest,
		Layer: layer,
	}
	if err := c.bus.Broadcast(domain.ControlTopic(c.publisherID), msg); err != nil {
		c.logger.Warnw("failed to request keyframe", "layer", layer, "error", err)
	}
}

func (c *Coordinator) subscribe(topic string) ports.Subscription {
	sub, err := c.bus.Subscribe(topic)
	if err != nil {
		c.logger.Errorw("failed to subscribe", "topic", topic, "error", err)
		return nil
	}
	go c.pump(sub)
	return sub
}

func (c *Coordinator) closeSub(sub *ports.Subscription) {
	if *sub != nil {
		(*sub).Close()
		*sub = nil
	}
}

func (c *Coordinator) bound() bool {
	return c.boundAudio != nil || c.boundVideo != nil
}

func (c *Coordinator) sameIdentities(audio, video *domain.Track) bool {
	return sameTrack(c.boundAudio, audio) && sameTrack(c.boundVideo, video)
}

func (c *Coordinator) drop(reason string) {
	c.packetsDropped++
	c.metrics.IncPacketsDropped(reason)
}

func (c *Coordinator) snapshot() ports.CoordinatorStats {
	stats := ports.CoordinatorStats{
		SubscriberID:     c.subscriberID,
		PublisherID:      c.publisherID,
		CurrentLayer:     c.currentLayer,
		Locked:           c.locked,
		PacketsForwarded: c.packetsForwarded,
		PacketsDropped:   c.packetsDropped,
		LayerSwitches:    c.layerSwitches,
		Rebinds:          c.rebinds,
	}
	if c.pending != nil {
		stats.TargetLayer = c.pending.target
	}
	return stats
}

func (c *Coordinator) teardown() {
	c.closeSub(&c.infoSub)
	c.closeSub(&c.audioSub)
	c.closeSub(&c.videoSub)
	c.closeSub(&c.targetSub)
	if err := c.sink.Close(); err != nil {
		c.logger.Warnw("failed to close packet sink", "error", err)
	}
	c.logger.Infow("coordinator closed")
}

func sameTrack(a, b *domain.Track) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Same(*b)
}

func kindOf(t domain.MessageType) domain.TrackKind {
	if t == domain.MessageTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}
