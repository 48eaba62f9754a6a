// Package realtime implements the publish/subscribe fan-out layer pushing
// store and presence changes to live connections.
package realtime

import (
	"sync"

	"go.uber.org/zap"
)

const defaultBuffer = 64

// Publisher is the write side of the hub, accepted by components that only publish.
type Publisher interface {
	Publish(topic string, event Event)
}

// Hub fans events out to all current subscribers of a topic.
//
// Delivery is at-least-once per currently subscribed consumer and follows
// publish order within a topic. Nothing is retained for consumers that are
// not subscribed: a reconnecting client re-fetches state through the store
// and only then resumes live delivery.
type Hub struct {
	logger *zap.SugaredLogger
	buffer int

	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

// Subscription is one consumer's live feed of a single topic.
type Subscription struct {
	hub    *Hub
	topic  string
	ch     chan Event
	closed bool // guarded by hub.mu
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		logger: logger,
		buffer: defaultBuffer,
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a new consumer for topic. The returned subscription
// must be closed when the consumer goes away, or it will eventually stall
// and be evicted.
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		hub:   h,
		topic: topic,
		ch:    make(chan Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}

	return sub
}

// Publish delivers event to every current subscriber of topic. A subscriber
// whose buffer is already full is evicted instead of blocking the publisher
// or its siblings; the consumer observes its channel closing and recovers by
// re-fetching state.
func (h *Hub) Publish(topic string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.topics[topic] {
		select {
		case sub.ch <- event:
		default:
			h.logger.Warnf("Evicting stalled subscriber of topic (%s)", topic)
			h.drop(sub)
		}
	}
}

// drop removes sub and closes its channel. Callers must hold h.mu.
func (h *Hub) drop(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true

	subs := h.topics[sub.topic]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}

	close(sub.ch)
}

// C is the subscription's event feed. It is closed when the subscription is
// closed or evicted; no partial event is ever observed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unregisters the subscription and closes its feed. Safe to call more
// than once and concurrently with Publish.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.drop(s)
}
