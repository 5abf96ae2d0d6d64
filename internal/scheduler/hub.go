package scheduler

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/modelmux/modelmux/internal/model"
)

const subscriberQueueSize = 16

// Subscriber is one connected frontend's outbound message queue. The
// queue is bounded; when a slow consumer falls behind, the oldest
// pending update is dropped since only the newest routing table matters.
type Subscriber struct {
	out    chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newSubscriber(drops *atomic.Uint64) *Subscriber {
	return &Subscriber{
		out:   make(chan []byte, subscriberQueueSize),
		drops: drops,
	}
}

// Out returns the channel the connection writer drains.
func (s *Subscriber) Out() <-chan []byte { return s.out }

func (s *Subscriber) enqueue(msg []byte) bool {
	if s.closed.Load() {
		return false
	}

	select {
	case s.out <- msg:
		return true
	default:
	}

	select {
	case <-s.out:
		if s.drops != nil {
			s.drops.Add(1)
		}
	default:
	}

	if s.closed.Load() {
		return false
	}

	select {
	case s.out <- msg:
		return true
	default:
		if s.drops != nil {
			s.drops.Add(1)
		}
		return false
	}
}

func (s *Subscriber) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.out)
	}
}

// Hub fans backend-set updates out to the frontends subscribed to each
// model session.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}

	dropped   atomic.Uint64
	published atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "push_hub"),
		subs:   make(map[string]map[*Subscriber]struct{}),
	}
}

// Attach creates a subscriber for one connection.
func (h *Hub) Attach() *Subscriber {
	return newSubscriber(&h.dropped)
}

// Subscribe registers the subscriber's interest in a model session.
func (h *Hub) Subscribe(sub *Subscriber, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
}

// Detach removes the subscriber from every session and closes its queue.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	for sessionID, set := range h.subs {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sessionID)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Publish sends an update to every subscriber of its session.
func (h *Hub) Publish(update model.BackendsUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("Failed to marshal backends update", "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs[update.SessionID]))
	for sub := range h.subs[update.SessionID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(data)
	}
	h.published.Add(1)
}

// Send delivers a payload to one subscriber only.
func (h *Hub) Send(sub *Subscriber, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal push payload", "error", err)
		return
	}
	sub.enqueue(data)
}

// Stats returns the published and dropped message counters.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}
