package webrtc

import (
	"context"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"relaygrid/internal/core/codec"
	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
	"relaygrid/internal/core/services"
)

// PublisherSession adapts one negotiated pion peer connection to the relay.
// It reads RTP off the remote tracks, classifies simulcast encodings by rid,
// feeds the relay, and turns relay keyframe requests into upstream PLIs.
type PublisherSession struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu         sync.RWMutex
	relay      *services.PublisherRelay
	state      ports.ConnectionState
	audioTrack *domain.Track
	videoTrack *domain.Track
	videoCodec codec.PayloadKind
	layerSSRC  map[domain.Layer]uint32

	connected chan struct{}
	connOnce  sync.Once
}

// NewPublisherSession wires the session handlers onto the peer connection.
// The relay is attached separately before negotiation starts: the session is
// the relay's upstream transport, so neither can construct the other.
func NewPublisherSession(pc *webrtc.PeerConnection, logger *zap.SugaredLogger) *PublisherSession {
	s := &PublisherSession{
		pc:        pc,
		logger:    logger,
		state:     ports.ConnectionStateConnecting,
		layerSSRC: make(map[domain.Layer]uint32),
		connected: make(chan struct{}),
	}

	pc.OnTrack(s.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infow("publisher connection state changed", "state", state)

		s.mu.Lock()
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.state = ports.ConnectionStateConnected
		case webrtc.PeerConnectionStateFailed:
			s.state = ports.ConnectionStateFailed
		case webrtc.PeerConnectionStateClosed:
			s.state = ports.ConnectionStateClosed
		}
		s.mu.Unlock()

		if state == webrtc.PeerConnectionStateConnected {
			s.connOnce.Do(func() { close(s.connected) })
		}
	})

	return s
}

// AttachRelay binds the relay the session feeds. Must be called before the
// remote description is applied, so no track can start without a relay.
func (s *PublisherSession) AttachRelay(relay *services.PublisherRelay) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = relay
}

// State reports the current connection lifecycle phase.
func (s *PublisherSession) State() ports.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// WaitConnected blocks until the upstream handshake completes or the context
// deadline fires. Failure is fatal to this attach attempt; callers do not
// retry automatically.
func (s *PublisherSession) WaitConnected(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return domain.ErrNegotiationTimeout
	}
}

// RequestKeyframe implements ports.PublisherTransport: one PLI for the
// simulcast encoding the layer names, or for the whole track when the layer
// is none.
func (s *PublisherSession) RequestKeyframe(trackID domain.TrackID, layer domain.Layer) error {
	s.mu.RLock()
	ssrc, ok := s.layerSSRC[layer]
	if !ok && layer != domain.LayerNone {
		// non-simulcast track registered under LayerNone
		ssrc, ok = s.layerSSRC[domain.LayerNone]
	}
	s.mu.RUnlock()

	if !ok {
		return domain.ErrLayerNotFound
	}
	return s.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
}

func (s *PublisherSession) Close() error {
	return s.pc.Close()
}

func (s *PublisherSession) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := domain.TrackKindVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = domain.TrackKindAudio
	}
	layer := layerFromRID(remote.RID())

	s.logger.Infow("publisher track started",
		"track_id", remote.ID(),
		"kind", kind,
		"rid", remote.RID(),
		"codec", remote.Codec().MimeType,
	)

	track := s.registerTrack(remote, kind, layer)
	s.readLoop(remote, track, layer)
}

// registerTrack folds the remote track (or one simulcast encoding of it)
// into the session inventory and pushes the fresh Track values to the relay.
func (s *PublisherSession) registerTrack(remote *webrtc.TrackRemote, kind domain.TrackKind, layer domain.Layer) domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case domain.TrackKindAudio:
		s.audioTrack = &domain.Track{ID: domain.TrackID(remote.ID()), Kind: kind}
	case domain.TrackKindVideo:
		s.videoCodec = codec.KindFromMimeType(remote.Codec().MimeType)
		if s.videoTrack == nil || s.videoTrack.ID != domain.TrackID(remote.ID()) {
			s.videoTrack = &domain.Track{ID: domain.TrackID(remote.ID()), Kind: kind}
			s.layerSSRC = make(map[domain.Layer]uint32)
		}
		if layer != domain.LayerNone && !s.videoTrack.HasLayer(layer) {
			// Track values are immutable; adding an encoding builds a new one
			layers := append(append([]domain.Layer{}, s.videoTrack.Layers...), layer)
			s.videoTrack = &domain.Track{ID: s.videoTrack.ID, Kind: kind, Layers: layers}
		}
		s.layerSSRC[layer] = uint32(remote.SSRC())
	}

	if s.relay != nil {
		s.relay.SetTracks(s.audioTrack, s.videoTrack, s.videoCodec)
	}

	if kind == domain.TrackKindAudio {
		return *s.audioTrack
	}
	return *s.videoTrack
}

func (s *PublisherSession) readLoop(remote *webrtc.TrackRemote, track domain.Track, layer domain.Layer) {
	s.mu.RLock()
	relay := s.relay
	s.mu.RUnlock()
	if relay == nil {
		return
	}

	buf := make([]byte, 1500) // MTU size
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			s.logger.Warnw("error reading track",
				"track_id", track.ID,
				"error", err,
			)
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.logger.Warnw("error unmarshaling RTP packet",
				"track_id", track.ID,
				"error", err,
			)
			continue
		}
		relay.HandlePacket(track, layer, pkt)
	}
}

func layerFromRID(rid string) domain.Layer {
	switch rid {
	case "low", "q":
		return domain.LayerLow
	case "mid", "h":
		return domain.LayerMid
	case "high", "f":
		return domain.LayerHigh
	default:
		return domain.LayerNone
	}
}

// TrackSink implements ports.PacketSink over local pion tracks, writing the
// coordinator's renumbered packets back out through a subscriber peer
// connection.
type TrackSink struct {
	mu     sync.RWMutex
	tracks map[domain.TrackID]*webrtc.TrackLocalStaticRTP
	logger *zap.SugaredLogger
	closed bool
}

func NewTrackSink(logger *zap.SugaredLogger) *TrackSink {
	return &TrackSink{
		tracks: make(map[domain.TrackID]*webrtc.TrackLocalStaticRTP),
		logger: logger,
	}
}

// AddTrack binds an outbound local track for the given upstream track ID.
func (s *TrackSink) AddTrack(id domain.TrackID, track *webrtc.TrackLocalStaticRTP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[id] = track
}

func (s *TrackSink) SendPacket(trackID domain.TrackID, packet *rtp.Packet) error {
	s.mu.RLock()
	track, ok := s.tracks[trackID]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return domain.ErrSinkClosed
	}
	if !ok {
		return domain.ErrTrackNotFound
	}
	return track.WriteRTP(packet)
}

func (s *TrackSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
