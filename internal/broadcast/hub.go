package broadcast

import (
	"context"
	"sync"

	"github.com/ayo6706/minority-rounds/internal/observability"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// Subscriber receives events from a Hub on C.
type Subscriber struct {
	ch    chan Event
	types map[EventType]bool
	mu    sync.RWMutex
}

// C is closed when the subscriber is removed from the hub.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Filter limits delivery to the given types; an empty list restores all types.
func (s *Subscriber) Filter(types ...EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types = make(map[EventType]bool, len(types))
	for _, t := range types {
		s.types[t] = true
	}
}

func (s *Subscriber) wants(t EventType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.types) == 0 || s.types[t]
}

// Hub is the in-process fan-out. Publish never blocks: an event that does
// not fit in a subscriber's buffer is dropped for that subscriber only.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	return &Hub{subs: make(map[*Subscriber]struct{}), buffer: buffer}
}

func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	observability.SetSubscribers(n)
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	n := len(h.subs)
	h.mu.Unlock()
	observability.SetSubscribers(n)
}

func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			observability.IncrementBroadcastDrop("slow_subscriber")
			zap.L().Debug("dropping broadcast for slow subscriber", zap.String("type", string(ev.Type)))
		}
	}
}

// Len returns the number of current subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
	observability.SetSubscribers(0)
}

var _ Publisher = (*Hub)(nil)
