package services

import (
	"sync"

	"relaygrid/internal/core/domain"
	"relaygrid/internal/core/ports"
)

// Registry tracks the live relays and coordinators of this node and serves
// read-only snapshots to the stats API.
type Registry struct {
	mu           sync.RWMutex
	relays       map[domain.PublisherID]*PublisherRelay
	coordinators map[domain.PublisherID]map[domain.SubscriberID]*Coordinator

	metrics ports.Metrics
}

func NewRegistry(metrics ports.Metrics) *Registry {
	return &Registry{
		relays:       make(map[domain.PublisherID]*PublisherRelay),
		coordinators: make(map[domain.PublisherID]map[domain.SubscriberID]*Coordinator),
		metrics:      metrics,
	}
}

// AddRelay installs the relay for a publisher. A second relay for the same
// ID is refused rather than silently replacing a running actor.
func (r *Registry) AddRelay(id domain.PublisherID, relay *PublisherRelay) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.relays[id]; exists {
		return domain.ErrPublisherExists
	}
	r.relays[id] = relay
	r.metrics.SetRelayCount(len(r.relays))
	return nil
}

// RemoveRelay detaches and closes the relay and every coordinator drawing
// from it. Closing the relay emits the terminal bye first, so coordinators
// on other nodes unlock before their timeout.
func (r *Registry) RemoveRelay(id domain.PublisherID) {
	r.mu.Lock()
	relay := r.relays[id]
	delete(r.relays, id)
	subs := r.coordinators[id]
	delete(r.coordinators, id)
	r.metrics.SetRelayCount(len(r.relays))
	r.metrics.SetCoordinatorCount(r.coordinatorCountLocked())
	r.mu.Unlock()

	if relay != nil {
		relay.Close()
	}
	for _, c := range subs {
		c.Close()
	}
}

func (r *Registry) AddCoordinator(pub domain.PublisherID, sub domain.SubscriberID, c *Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coordinators[pub] == nil {
		r.coordinators[pub] = make(map[domain.SubscriberID]*Coordinator)
	}
	r.coordinators[pub][sub] = c
	r.metrics.SetCoordinatorCount(r.coordinatorCountLocked())
}

func (r *Registry) RemoveCoordinator(pub domain.PublisherID, sub domain.SubscriberID) {
	r.mu.Lock()
	c := r.coordinators[pub][sub]
	delete(r.coordinators[pub], sub)
	if len(r.coordinators[pub]) == 0 {
		delete(r.coordinators, pub)
	}
	r.metrics.SetCoordinatorCount(r.coordinatorCountLocked())
	r.mu.Unlock()

	if c != nil {
		c.Close()
	}
}

// Publishers implements ports.StatsProvider.
func (r *Registry) Publishers() []ports.RelayStats {
	r.mu.RLock()
	relays := make([]*PublisherRelay, 0, len(r.relays))
	for _, relay := range r.relays {
		relays = append(relays, relay)
	}
	r.mu.RUnlock()

	stats := make([]ports.RelayStats, 0, len(relays))
	for _, relay := range relays {
		stats = append(stats, relay.Stats())
	}
	return stats
}

// Publisher implements ports.StatsProvider.
func (r *Registry) Publisher(id domain.PublisherID) (ports.RelayStats, []ports.CoordinatorStats, error) {
	r.mu.RLock()
	relay, ok := r.relays[id]
	coords := make([]*Coordinator, 0, len(r.coordinators[id]))
	for _, c := range r.coordinators[id] {
		coords = append(coords, c)
	}
	r.mu.RUnlock()

	if !ok {
		return ports.RelayStats{}, nil, domain.ErrPublisherNotFound
	}

	coordStats := make([]ports.CoordinatorStats, 0, len(coords))
	for _, c := range coords {
		coordStats = append(coordStats, c.Stats())
	}
	return relay.Stats(), coordStats, nil
}

// Subscriber implements ports.StatsProvider.
func (r *Registry) Subscriber(pub domain.PublisherID, sub domain.SubscriberID) (ports.CoordinatorStats, error) {
	r.mu.RLock()
	if _, ok := r.relays[pub]; !ok {
		r.mu.RUnlock()
		return ports.CoordinatorStats{}, domain.ErrPublisherNotFound
	}
	c, ok := r.coordinators[pub][sub]
	r.mu.RUnlock()

	if !ok {
		return ports.CoordinatorStats{}, domain.ErrSubscriberNotFound
	}
	return c.Stats(), nil
}

func (r *Registry) coordinatorCountLocked() int {
	n := 0
	for _, m := range r.coordinators {
		n += len(m)
	}
	return n
}
