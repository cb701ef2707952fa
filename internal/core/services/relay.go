package services

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relaygrid/internal/core/codec"
	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
)

// RelayConfig tunes one publisher relay.
type RelayConfig struct {
	// AnnounceInterval is the period of the track inventory announcement.
	AnnounceInterval time.Duration
	// PLIMinInterval throttles upstream keyframe requests per layer.
	PLIMinInterval time.Duration
	// MailboxSize bounds the actor inbox.
	MailboxSize int
}

// DefaultRelayConfig returns the baseline relay tuning.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		AnnounceInterval: time.Second,
		PLIMinInterval:   500 * time.Millisecond,
		MailboxSize:      512,
	}
}

type relayEvent struct {
	// exactly one of the following is set
	packet   *relayPacket
	tracks   *relayTracks
	control  *domain.KeyframeRequestMessage
	statsReq chan ports.RelayStats
}

type relayPacket struct {
	track  domain.Track
	layer  domain.Layer
	packet *rtp.Packet
}

type relayTracks struct {
	audio      *domain.Track
	video      *domain.Track
	videoCodec codec.PayloadKind
}

// PublisherRelay owns one producer's tracks. It fans inbound packets out to
// per-layer topics, announces the track inventory on a fixed interval, and
// forwards keyframe requests from the control topic to the upstream
// transport. The relay is a sequential actor: all state lives on its own
// goroutine and is only reached through the inbox.
type PublisherRelay struct {
	id        domain.PublisherID
	bus       ports.MessageBus
	transport ports.PublisherTransport
	cfg       RelayConfig
	clk       clock.Clock
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	inbox      chan relayEvent
	controlSub ports.Subscription
	done       chan struct{}
	closeOnce  sync.Once

	// actor-owned state
	audioTrack *domain.Track
	videoTrack *domain.Track
	videoCodec codec.PayloadKind
	pliLimits  map[domain.Layer]*rate.Limiter

	packetsForwarded uint64
	keyframesSent    uint64
	startedAt        time.Time
}

// NewPublisherRelay creates the relay and starts its actor loop. The relay
// subscribes to its control topic immediately; tracks are attached later via
// SetTracks once negotiation succeeds.
func NewPublisherRelay(
	id domain.PublisherID,
	bus ports.MessageBus,
	transport ports.PublisherTransport,
	cfg RelayConfig,
	clk clock.Clock,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) (*PublisherRelay, error) {
	controlSub, err := bus.Subscribe(domain.ControlTopic(id))
	if err != nil {
		return nil, err
	}

	r := &PublisherRelay{
		id:         id,
		bus:        bus,
		transport:  transport,
		cfg:        cfg,
		clk:        clk,
		metrics:    metrics,
		logger:     logger.With("publisher_id", id),
		inbox:      make(chan relayEvent, cfg.MailboxSize),
		controlSub: controlSub,
		done:       make(chan struct{}),
		pliLimits:  make(map[domain.Layer]*rate.Limiter),
		startedAt:  clk.Now(),
	}

	go r.run()
	return r, nil
}

// SetTracks replaces the relay's track inventory atomically. Renegotiation
// produces brand-new Track values, never mutated ones, so bound coordinators
// detect the churn by identity.
func (r *PublisherRelay) SetTracks(audio, video *domain.Track, videoCodec codec.PayloadKind) {
	r.send(relayEvent{tracks: &relayTracks{audio: audio, video: video, videoCodec: videoCodec}})
}

// HandlePacket routes one inbound RTP packet onto its layer topic. It never
// blocks: a full inbox drops the packet and counts it.
func (r *PublisherRelay) HandlePacket(track domain.Track, layer domain.Layer, packet *rtp.Packet) {
	r.send(relayEvent{packet: &relayPacket{track: track, layer: layer, packet: packet}})
}

// Stats returns a snapshot of the relay's state. Best-effort: when the inbox
// is saturated with media it returns an empty snapshot instead of queueing
// behind the backlog.
func (r *PublisherRelay) Stats() ports.RelayStats {
	ch := make(chan ports.RelayStats, 1)
	select {
	case r.inbox <- relayEvent{statsReq: ch}:
	case <-r.done:
		return ports.RelayStats{PublisherID: r.id}
	default:
		return ports.RelayStats{PublisherID: r.id}
	}
	select {
	case s := <-ch:
		return s
	case <-r.done:
		return ports.RelayStats{PublisherID: r.id}
	}
}

// Close broadcasts the terminal bye announcement carrying the exact track
// identities that are ending, then stops the actor. The bye is the only
// announcement a bound coordinator trusts to unlock before its timeout.
func (r *PublisherRelay) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}

func (r *PublisherRelay) send(ev relayEvent) {
	select {
	case r.inbox <- ev:
	case <-r.done:
	default:
		r.metrics.IncPacketsDropped("relay_inbox_full")
		r.logger.Warnw("relay inbox full, dropping event")
	}
}

func (r *PublisherRelay) run() {
	ticker := r.clk.Ticker(r.cfg.AnnounceInterval)
	defer ticker.Stop()
	defer r.controlSub.Close()

	for {
		select {
		case <-r.done:
			r.broadcastBye()
			r.audioTrack = nil
			r.videoTrack = nil
			return

		case ev := <-r.inbox:
			r.handleEvent(ev)

		case msg, ok := <-r.controlSub.C():
			if !ok {
				continue
			}
			if req, isReq := msg.Payload.(*domain.KeyframeRequestMessage); isReq {
				r.handleKeyframeRequest(req.Layer)
			}

		case <-ticker.C:
			r.announceTracks()
		}
	}
}

func (r *PublisherRelay) handleEvent(ev relayEvent) {
	switch {
	case ev.packet != nil:
		r.broadcastPacket(ev.packet)
	case ev.tracks != nil:
		r.audioTrack = ev.tracks.audio
		r.videoTrack = ev.tracks.video
		r.videoCodec = ev.tracks.videoCodec
		r.logger.Infow("relay tracks updated",
			"audio_track", trackID(r.audioTrack),
			"video_track", trackID(r.videoTrack),
		)
		// announce immediately so coordinators rebind without waiting a tick
		r.announceTracks()
	case ev.statsReq != nil:
		ev.statsReq <- ports.RelayStats{
			PublisherID:      r.id,
			AudioTrack:       r.audioTrack,
			VideoTrack:       r.videoTrack,
			PacketsForwarded: r.packetsForwarded,
			KeyframesSent:    r.keyframesSent,
			StartedAt:        r.startedAt,
		}
	}
}

// broadcastPacket classifies the packet by track kind and layer and fires it
// onto the matching topic. Broadcast failures to an empty topic are not
// errors; the bus is fire-and-forget.
func (r *PublisherRelay) broadcastPacket(p *relayPacket) {
	var topic string
	msg := &domain.MediaMessage{Packet: p.packet}

	switch p.track.Kind {
	case domain.TrackKindAudio:
		topic = domain.AudioTopic(r.id, p.track.ID)
		msg.Type = domain.MessageTypeAudio
	case domain.TrackKindVideo:
		layer := p.layer
		if !p.track.Simulcast() {
			// single-layer video is always addressed as high
			layer = domain.LayerHigh
		}
		topic = domain.VideoTopic(r.id, p.track.ID, layer)
		msg.Type = domain.MessageTypeVideo
		msg.Layer = layer
		msg.Keyframe = codec.IsKeyframe(r.videoCodec, p.packet.Payload)
	default:
		r.metrics.IncPacketsDropped("unknown_kind")
		return
	}

	if err := r.bus.Broadcast(topic, msg); err != nil {
		r.logger.Warnw("failed to broadcast packet",
			"topic", topic,
			"error", err,
		)
		return
	}
	r.packetsForwarded++
	r.metrics.IncPacketsForwarded(string(p.track.Kind))
}

// announceTracks broadcasts the current inventory on the stream-info topic.
// It runs even when no subscriber exists; absence of demand is not an error.
func (r *PublisherRelay) announceTracks() {
	if r.audioTrack == nil && r.videoTrack == nil {
		return
	}
	msg := &domain.TrackInfoMessage{
		Type:       domain.MessageTypeInfo,
		AudioTrack: r.audioTrack,
		VideoTrack: r.videoTrack,
	}
	if err := r.bus.Broadcast(domain.StreamInfoTopic(r.id), msg); err != nil {
		r.logger.Warnw("failed to announce tracks", "error", err)
	}
}

// handleKeyframeRequest forwards one PLI-equivalent upstream. Duplicate
// requests inside PLIMinInterval collapse into a single PLI per layer.
func (r *PublisherRelay) handleKeyframeRequest(layer domain.Layer) {
	if r.videoTrack == nil {
		return
	}
	if !r.videoTrack.Simulcast() {
		layer = domain.LayerNone
	}

	limiter, ok := r.pliLimits[layer]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.cfg.PLIMinInterval), 1)
		r.pliLimits[layer] = limiter
	}
	if !limiter.Allow() {
		return
	}

	if err := r.transport.RequestKeyframe(r.videoTrack.ID, layer); err != nil {
		r.logger.Warnw("failed to request keyframe upstream",
			"layer", layer,
			"error", err,
		)
		return
	}
	r.keyframesSent++
	r.metrics.IncKeyframeRequests()
	r.logger.Debugw("forwarded keyframe request upstream", "layer", layer)
}

func (r *PublisherRelay) broadcastBye() {
	if r.audioTrack == nil && r.videoTrack == nil {
		return
	}
	msg := &domain.TrackInfoMessage{
		Type:       domain.MessageTypeBye,
		AudioTrack: r.audioTrack,
		VideoTrack: r.videoTrack,
	}
	if err := r.bus.Broadcast(domain.StreamInfoTopic(r.id), msg); err != nil {
		r.logger.Warnw("failed to broadcast bye", "error", err)
	}
	r.logger.Infow("relay closed",
		"audio_track", trackID(r.audioTrack),
		"video_track", trackID(r.videoTrack),
	)
}

func trackID(t *domain.Track) domain.TrackID {
	if t == nil {
		return ""
	}
	return t.ID
}
