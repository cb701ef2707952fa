package domain

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicLayout(t *testing.T) {
	assert.Equal(t, "stream:audio:pub-1:a1", AudioTopic("pub-1", "a1"))
	assert.Equal(t, "stream:video:pub-1:v1:high", VideoTopic("pub-1", "v1", LayerHigh))
	assert.Equal(t, "stream-info:pub-1", StreamInfoTopic("pub-1"))
	assert.Equal(t, "control:pub-1", ControlTopic("pub-1"))

	assert.True(t, IsStreamTopic(AudioTopic("pub-1", "a1")))
	assert.True(t, IsStreamTopic(VideoTopic("pub-1", "v1", LayerLow)))
	assert.False(t, IsStreamTopic(StreamInfoTopic("pub-1")))
	assert.False(t, IsStreamTopic(ControlTopic("pub-1")))
}

func TestMediaMessageWireRoundTrip(t *testing.T) {
	in := &MediaMessage{
		Type:     MessageTypeVideo,
		Layer:    LayerMid,
		Keyframe: true,
		Packet: &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    96,
				SequenceNumber: 1234,
				Timestamp:      567890,
				SSRC:           42,
			},
			Payload: []byte{0x10, 0x00, 0x01},
		},
	}

	data, err := EncodeMessage(in)
	require.NoError(t, err)

	// encoding must not mutate the original
	assert.Nil(t, in.RawPacket)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)

	out, ok := decoded.(*MediaMessage)
	require.True(t, ok)
	assert.Equal(t, MessageTypeVideo, out.Type)
	assert.Equal(t, LayerMid, out.Layer)
	assert.True(t, out.Keyframe)
	require.NotNil(t, out.Packet)
	assert.Equal(t, uint16(1234), out.Packet.SequenceNumber)
	assert.Equal(t, uint32(567890), out.Packet.Timestamp)
	assert.Equal(t, []byte{0x10, 0x00, 0x01}, out.Packet.Payload)
}

func TestTrackInfoMessageWireRoundTrip(t *testing.T) {
	in := &TrackInfoMessage{
		Type:       MessageTypeInfo,
		AudioTrack: &Track{ID: "a1", Kind: TrackKindAudio},
		VideoTrack: &Track{ID: "v1", Kind: TrackKindVideo, Layers: []Layer{LayerLow, LayerHigh}},
	}

	data, err := EncodeMessage(in)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)

	out, ok := decoded.(*TrackInfoMessage)
	require.True(t, ok)
	assert.Equal(t, in.AudioTrack.ID, out.AudioTrack.ID)
	assert.Equal(t, in.VideoTrack.Layers, out.VideoTrack.Layers)
}

func TestDecodeKeyframeRequest(t *testing.T) {
	data, err := EncodeMessage(&KeyframeRequestMessage{Type: MessageTypeKeyframeRequest, Layer: LayerLow})
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)

	out, ok := decoded.(*KeyframeRequestMessage)
	require.True(t, ok)
	assert.Equal(t, LayerLow, out.Layer)
}

func TestDecodeUnknownMessageType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"telepathy"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}
