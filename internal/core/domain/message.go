package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/rtp"
)

// MessageType tags the payload of a bus envelope.
type MessageType string

const (
	MessageTypeAudio           MessageType = "audio"
	MessageTypeVideo           MessageType = "video"
	MessageTypeInfo            MessageType = "info"
	MessageTypeBye             MessageType = "bye"
	MessageTypeKeyframeRequest MessageType = "keyframe-request"
)

// MediaMessage carries one RTP packet on a stream topic. The keyframe flag is
// stamped by the relay so subscribers need no codec knowledge.
type MediaMessage struct {
	Type     MessageType `json:"type"`
	Layer    Layer       `json:"layer,omitempty"`
	Keyframe bool        `json:"keyframe,omitempty"`
	Packet   *rtp.Packet `json:"-"`

	// RawPacket is the marshalled RTP packet; only populated when the
	// message crosses a serializing bus.
	RawPacket []byte `json:"packet,omitempty"`
}

// TrackInfoMessage is the periodic inventory announcement ("info") or the
// terminal announcement ("bye") on a stream-info topic. Nil tracks mean the
// publisher has not negotiated that kind.
type TrackInfoMessage struct {
	Type       MessageType `json:"type"`
	AudioTrack *Track      `json:"audioTrack,omitempty"`
	VideoTrack *Track      `json:"videoTrack,omitempty"`
}

// KeyframeRequestMessage asks the relay for a keyframe on one layer.
type KeyframeRequestMessage struct {
	Type  MessageType `json:"type"`
	Layer Layer       `json:"layer,omitempty"`
}

// Topic name layout, the wire contract other system parts rely on:
//
//	stream:audio:{publisherId}:{trackId}
//	stream:video:{publisherId}:{trackId}:{layer}
//	stream-info:{publisherId}
//	control:{publisherId}

func AudioTopic(publisherID PublisherID, trackID TrackID) string {
	return fmt.Sprintf("stream:audio:%s:%s", publisherID, trackID)
}

func VideoTopic(publisherID PublisherID, trackID TrackID, layer Layer) string {
	return fmt.Sprintf("stream:video:%s:%s:%s", publisherID, trackID, layer)
}

func StreamInfoTopic(publisherID PublisherID) string {
	return fmt.Sprintf("stream-info:%s", publisherID)
}

func ControlTopic(publisherID PublisherID) string {
	return fmt.Sprintf("control:%s", publisherID)
}

// IsStreamTopic reports whether the topic carries media packets.
func IsStreamTopic(topic string) bool {
	return strings.HasPrefix(topic, "stream:")
}

// EncodeMessage serializes a bus message for transports that cannot carry Go
// values. Media packets are marshalled into the RawPacket field first.
func EncodeMessage(msg interface{}) ([]byte, error) {
	if mm, ok := msg.(*MediaMessage); ok && mm.Packet != nil && mm.RawPacket == nil {
		raw, err := mm.Packet.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rtp packet: %w", err)
		}
		clone := *mm
		clone.RawPacket = raw
		msg = &clone
	}
	return json.Marshal(msg)
}

// DecodeMessage deserializes a bus payload into the message type its "type"
// tag names, unmarshalling media payloads back into rtp.Packet.
func DecodeMessage(data []byte) (interface{}, error) {
	var tag struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}

	switch tag.Type {
	case MessageTypeAudio, MessageTypeVideo:
		var msg MediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(msg.RawPacket); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rtp packet: %w", err)
		}
		msg.Packet = pkt
		msg.RawPacket = nil
		return &msg, nil
	case MessageTypeInfo, MessageTypeBye:
		var msg TrackInfoMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case MessageTypeKeyframeRequest:
		var msg KeyframeRequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, tag.Type)
	}
}
