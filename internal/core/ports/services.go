package ports

import (
	"time"

	"relaygrid/internal/core/domain"
)

// RelayStats is a read-only snapshot of one publisher relay, served by the
// stats API.
type RelayStats struct {
	PublisherID      domain.PublisherID `json:"publisher_id"`
	AudioTrack       *domain.Track      `json:"audio_track,omitempty"`
	VideoTrack       *domain.Track      `json:"video_track,omitempty"`
	PacketsForwarded uint64             `json:"packets_forwarded"`
	KeyframesSent    uint64             `json:"keyframe_requests_sent"`
	StartedAt        time.Time          `json:"started_at"`
}

// CoordinatorStats is a read-only snapshot of one subscriber coordinator.
type CoordinatorStats struct {
	SubscriberID     domain.SubscriberID `json:"subscriber_id"`
	PublisherID      domain.PublisherID  `json:"publisher_id"`
	CurrentLayer     domain.Layer        `json:"current_layer"`
	TargetLayer      domain.Layer        `json:"target_layer,omitempty"`
	Locked           bool                `json:"locked"`
	PacketsForwarded uint64              `json:"packets_forwarded"`
	PacketsDropped   uint64              `json:"packets_dropped"`
	LayerSwitches    uint64              `json:"layer_switches"`
	Rebinds          uint64              `json:"rebinds"`
}

// StatsProvider exposes live relay/coordinator state to the HTTP handlers.
type StatsProvider interface {
	Publishers() []RelayStats
	Publisher(id domain.PublisherID) (RelayStats, []CoordinatorStats, error)
	Subscriber(pub domain.PublisherID, sub domain.SubscriberID) (CoordinatorStats, error)
}
