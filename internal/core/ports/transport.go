package ports

import (
	"github.com/pion/rtp"

	"relaygrid/internal/core/domain"
)

// ConnectionState mirrors the transport layer's connection lifecycle.
type ConnectionState string

const (
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateConnected  ConnectionState = "connected"
	ConnectionStateFailed     ConnectionState = "failed"
	ConnectionStateClosed     ConnectionState = "closed"
)

// PublisherTransport is the upstream side of a publisher session. It is a
// black box that has already negotiated tracks; the relay only uses it to
// push keyframe requests back to the encoder.
type PublisherTransport interface {
	// RequestKeyframe sends one PLI-equivalent for the given track. Layer
	// selects the simulcast encoding; LayerNone for non-simulcast tracks.
	RequestKeyframe(trackID domain.TrackID, layer domain.Layer) error
}

// PacketSink is the downstream side of a subscriber session. SendPacket must
// not block the caller: a slow consumer is decoupled by buffering or dropping
// inside the sink, never by stalling packet ingestion.
type PacketSink interface {
	SendPacket(trackID domain.TrackID, packet *rtp.Packet) error
	Close() error
}
