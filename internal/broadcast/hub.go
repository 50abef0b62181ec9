// Package broadcast fans accepted samples out to the observers of a ride.
//
// Delivery is best effort and at most once: every subscriber owns a bounded
// queue and an event that does not fit is dropped for that subscriber only.
// Subscribers only see events published after they subscribed.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/example/ride-watch/internal/models"
	"github.com/example/ride-watch/internal/observability"
)

// Wildcard subscribes to every ride.
const Wildcard = "*"

const DefaultBuffer = 32

type Subscriber struct {
	id      uint64
	rideID  string
	events  chan models.Event
	once    sync.Once
	dropped atomic.Int64
}

// Events is closed once the subscriber is unsubscribed.
func (s *Subscriber) Events() <-chan models.Event { return s.events }

func (s *Subscriber) RideID() string { return s.rideID }

// Dropped is the number of events that did not fit in the queue.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	buffer int
	nextID atomic.Uint64
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]map[*Subscriber]struct{}), buffer: buffer, logger: logger}
}

// Subscribe registers an observer of rideID, or of all rides for Wildcard.
func (h *Hub) Subscribe(rideID string) *Subscriber {
	s := &Subscriber{id: h.nextID.Add(1), rideID: rideID, events: make(chan models.Event, h.buffer)}
	h.mu.Lock()
	set, ok := h.subs[rideID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[rideID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.Subscribers.Inc()
	h.logger.Debug("subscriber added", "ride_id", rideID, "subscriber", s.id)
	return s
}

// Unsubscribe is idempotent.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.once.Do(func() {
		if set, ok := h.subs[s.rideID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.rideID)
			}
		}
		// closed under the write lock so Publish never sends on a closed channel
		close(s.events)
		observability.Subscribers.Dec()
		h.logger.Debug("subscriber removed", "ride_id", s.rideID, "subscriber", s.id, "dropped", s.dropped.Load())
	})
}

// Publish delivers ev to the ride's subscribers and to wildcard
// subscribers without blocking. It returns the number of queues the event
// was placed on.
func (h *Hub) Publish(rideID string, ev models.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := h.deliver(h.subs[rideID], ev)
	if rideID != Wildcard {
		delivered += h.deliver(h.subs[Wildcard], ev)
	}
	return delivered
}

func (h *Hub) deliver(set map[*Subscriber]struct{}, ev models.Event) int {
	n := 0
	for s := range set {
		select {
		case s.events <- ev:
			n++
		default:
			s.dropped.Add(1)
			observability.BroadcastDropped.Inc()
		}
	}
	return n
}

// Count returns the number of live subscribers for rideID.
func (h *Hub) Count(rideID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[rideID])
}
