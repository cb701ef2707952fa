package codec

// Keyframe detection on raw RTP payloads. The relay stamps every broadcast
// media message with the result so coordinators stay codec-agnostic.

// PayloadKind selects the detector for a track's negotiated codec.
type PayloadKind int

const (
	PayloadUnknown PayloadKind = iota
	PayloadVP8
	PayloadH264
)

// KindFromMimeType maps an RTP codec mime type to a detector kind.
func KindFromMimeType(mime string) PayloadKind {
	switch mime {
	case "video/VP8", "video/vp8":
		return PayloadVP8
	case "video/H264", "video/h264":
		return PayloadH264
	default:
		return PayloadUnknown
	}
}

// IsKeyframe reports whether the payload starts a decodable keyframe for the
// given codec. Unknown codecs report false; the coordinator will simply wait
// for the next announcement-driven resync instead of cutting over blind.
func IsKeyframe(kind PayloadKind, payload []byte) bool {
	switch kind {
	case PayloadVP8:
		return IsVP8Keyframe(payload)
	case PayloadH264:
		return IsH264Keyframe(payload)
	default:
		return false
	}
}

// IsVP8Keyframe walks the VP8 payload descriptor to the payload header and
// checks the inverse keyframe bit (P) of the first partition.
func IsVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}

	idx := 0
	first := payload[idx]
	s := first&0x10 > 0

	// extended control bits present
	if first&0x80 > 0 {
		idx++
		if len(payload) < idx+1 {
			return false
		}
		i := payload[idx]&0x80 > 0
		l := payload[idx]&0x40 > 0
		t := payload[idx]&0x20 > 0
		k := payload[idx]&0x10 > 0
		if i {
			idx++
			if len(payload) < idx+1 {
				return false
			}
			if payload[idx]&0x80 > 0 {
				// 16-bit picture ID
				idx++
			}
		}
		if l {
			idx++
		}
		if t || k {
			idx++
		}
	}

	idx++
	if len(payload) < idx+1 {
		return false
	}

	// only the first packet of the first partition starts a frame
	if !s {
		return false
	}
	return payload[idx]&0x01 == 0
}

// IsH264Keyframe scans NAL units for an SPS, handling single NALUs,
// STAP/MTAP aggregates and FU fragments.
func IsH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	nalu := payload[0] & 0x1F
	switch {
	case nalu == 0:
		// reserved
		return false
	case nalu <= 23:
		// simple NALU
		return nalu == 7
	case nalu == 24 || nalu == 25 || nalu == 26 || nalu == 27:
		// STAP-A, STAP-B, MTAP16 or MTAP24
		i := 1
		if nalu == 25 || nalu == 26 || nalu == 27 {
			// skip DON
			i += 2
		}
		for i < len(payload) {
			if i+2 > len(payload) {
				return false
			}
			length := uint16(payload[i])<<8 | uint16(payload[i+1])
			i += 2
			if i+int(length) > len(payload) {
				return false
			}
			offset := 0
			if nalu == 26 {
				offset = 3
			} else if nalu == 27 {
				offset = 4
			}
			if offset >= int(length) {
				return false
			}
			if payload[i+offset]&0x1F == 7 {
				return true
			}
			i += int(length)
		}
		return false
	case nalu == 28 || nalu == 29:
		// FU-A or FU-B
		if len(payload) < 2 {
			return false
		}
		if payload[1]&0x80 == 0 {
			// not a starting fragment
			return false
		}
		return payload[1]&0x1F == 7
	}
	return false
}
