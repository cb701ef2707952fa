package services

// snTsMunger rewrites outgoing RTP sequence numbers and timestamps so that a
// layer switch or a publisher track replacement is invisible to the receiving
// decoder. All arithmetic wraps at the field's natural width (u16/u32).
//
// The munger is owned by a single coordinator actor, so it needs no locking.
type snTsMunger struct {
	snOffset uint16
	tsOffset uint32

	lastSN uint16
	lastTS uint32

	// started is false until the first packet has been emitted; a cut-over
	// before that keeps zero offsets.
	started bool

	// pendingResync arms an offset recompute against the next packet.
	pendingResync bool
}

// scheduleResync marks the next incoming packet as the first of a new source.
// The offsets are recomputed exactly once, when that packet arrives.
func (m *snTsMunger) scheduleResync() {
	m.pendingResync = true
}

// translate maps an incoming (sn, ts) pair to the outgoing numbering. If a
// resync is pending, the offsets are first recomputed so this packet emits at
// lastEmitted+1, keeping the outgoing stream gap-free at the cut point.
func (m *snTsMunger) translate(sn uint16, ts uint32) (uint16, uint32) {
	if m.pendingResync {
		if m.started {
			m.snOffset = m.lastSN + 1 - sn
			m.tsOffset = m.lastTS + 1 - ts
		}
		m.pendingResync = false
	}

	outSN := sn + m.snOffset
	outTS := ts + m.tsOffset
	m.lastSN = outSN
	m.lastTS = outTS
	m.started = true
	return outSN, outTS
}

// reset discards all accumulated state, as if no packet was ever emitted.
func (m *snTsMunger) reset() {
	*m = snTsMunger{}
}
