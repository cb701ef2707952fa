package domain

type PublisherID string
type SubscriberID string
type TrackID string

// TrackKind is the media kind of a track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Layer is a simulcast quality layer label. Layers order by quality:
// LayerLow < LayerMid < LayerHigh.
type Layer string

const (
	LayerNone Layer = ""
	LayerLow  Layer = "low"
	LayerMid  Layer = "mid"
	LayerHigh Layer = "high"
)

var layerRank = map[Layer]int{
	LayerLow:  0,
	LayerMid:  1,
	LayerHigh: 2,
}

// Valid reports whether l is one of the closed set of layer labels.
func (l Layer) Valid() bool {
	_, ok := layerRank[l]
	return ok
}

// Less orders layers by quality.
func (l Layer) Less(other Layer) bool {
	return layerRank[l] < layerRank[other]
}

// Track describes one media track of a publisher. A Track value is immutable:
// renegotiation produces a brand-new Track (new ID), so in-flight references
// can be compared by equality to detect publisher churn.
type Track struct {
	ID     TrackID   `json:"id"`
	Kind   TrackKind `json:"kind"`
	Layers []Layer   `json:"layers,omitempty"`
}

// Simulcast reports whether the track carries more than one quality layer.
func (t Track) Simulcast() bool {
	return t.Kind == TrackKindVideo && len(t.Layers) > 1
}

// HasLayer reports whether the track exposes the given layer.
func (t Track) HasLayer(layer Layer) bool {
	for _, l := range t.Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// HighestLayer returns the best quality layer the track exposes, or LayerHigh
// for single-layer video which is always addressed as "high".
func (t Track) HighestLayer() Layer {
	if !t.Simulcast() {
		return LayerHigh
	}
	best := t.Layers[0]
	for _, l := range t.Layers[1:] {
		if best.Less(l) {
			best = l
		}
	}
	return best
}

// Same reports whether both tracks refer to the same negotiated track
// identity. Zero-value tracks never match anything.
func (t Track) Same(other Track) bool {
	return t.ID != "" && t.ID == other.ID
}
