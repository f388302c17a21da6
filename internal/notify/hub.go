package notify

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chrisdmacrae/romulator/internal/progress"
	"github.com/chrisdmacrae/romulator/internal/room"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Subscription is one observer's event queue.
type Subscription struct {
	ID uuid.UUID

	ch      chan Event
	dropped atomic.Int64
}

// Events returns the receive side of the queue. It is closed on
// Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Hub broadcasts events to all subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	buffer int
	logger zerolog.Logger
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uuid.UUID]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new observer.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{ID: uuid.New(), ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug().Str("subscriber", s.ID.String()).Int("subscribers", n).Msg("observer subscribed")
	return s
}

// Unsubscribe removes the observer and closes its channel. It is safe to
// call more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; !ok {
		return
	}
	delete(h.subs, s.ID)
	close(s.ch)
	h.logger.Debug().Str("subscriber", s.ID.String()).Int64("dropped", s.Dropped()).Msg("observer unsubscribed")
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		deliver(s, e)
	}
}

// PublishRoom is a room.Publisher.
func (h *Hub) PublishRoom(s room.Snapshot) {
	h.Publish(RoomUpdate(s))
}

// PublishProgress broadcasts a progress sample for item name.
func (h *Hub) PublishProgress(name string, s progress.Sample) {
	h.Publish(Progress(name, s))
}

// deliver must be called with the hub lock held, which makes the
// drain-evict-refill sequence atomic per subscriber. A full queue loses its
// oldest fileProgress frame first; a roomUpdate is only evicted when
// nothing else is queued, so observers keep an accurate current item.
func deliver(s *Subscription, e Event) {
	select {
	case s.ch <- e:
		return
	default:
	}

	pending := make([]Event, 0, cap(s.ch)+1)
	for drained := false; !drained; {
		select {
		case old := <-s.ch:
			pending = append(pending, old)
		default:
			drained = true
		}
	}
	pending = append(pending, e)
	for len(pending) > cap(s.ch) {
		pending = evict(pending)
		s.dropped.Add(1)
	}
	for _, p := range pending {
		select {
		case s.ch <- p:
		default:
			s.dropped.Add(1)
		}
	}
}

func evict(events []Event) []Event {
	i := slices.IndexFunc(events, func(e Event) bool { return e.Type == EventFileProgress })
	if i < 0 {
		i = 0
	}
	return slices.Delete(events, i, i+1)
}
