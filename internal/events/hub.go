// Package events fans workflow events out to websocket subscribers and to
// Redis pub/sub.
package events

import (
	"log/slog"
	"sync"

	"github.com/amanullahtanweer/voice-intake/internal/flow"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 32

// Hub delivers events to per-session subscribers. Publishing never blocks:
// a subscriber whose queue is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// Subscription receives the events of one session on C until closed
type Subscription struct {
	C <-chan flow.Event

	ch        chan flow.Event
	hub       *Hub
	sessionID string
	once      sync.Once
}

// NewHub creates a hub; buffer <= 0 uses DefaultBuffer
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a subscriber for sessionID
func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan flow.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, sessionID: sessionID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*Subscription]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	return sub
}

// Close unregisters the subscription and closes C
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.sessionID)
			}
		}
		close(s.ch)
	})
}

// Observe publishes ev to the subscribers of its session
func (h *Hub) Observe(ev flow.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("Dropping event for slow subscriber", "session_id", ev.SessionID, "event", ev.Type)
		}
	}
}

// Subscribers returns the number of subscribers of a session
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// CloseSession closes every subscription of a session
func (h *Hub) CloseSession(sessionID string) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs[sessionID]))
	for sub := range h.subs[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.Close()
	}
}
