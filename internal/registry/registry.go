// Package registry implements the topic/subscription registry: topic to
// connection-id membership plus the inverse index that makes connection
// teardown proportional to the connection's own subscriptions.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Registry maps topics to subscriber connection ids. Resolve returns a
// snapshot copy so no lock is held during fan-out: a subscriber added
// mid-publish may or may not receive that envelope, but never receives a
// duplicate and never blocks the publisher.
type Registry struct {
	mu      sync.RWMutex
	forward map[string]map[uuid.UUID]time.Time
	inverse map[uuid.UUID]map[string]struct{}
	clock   clockwork.Clock
}

// New creates an empty registry.
func New(clock clockwork.Clock) *Registry {
	return &Registry{
		forward: make(map[string]map[uuid.UUID]time.Time),
		inverse: make(map[uuid.UUID]map[string]struct{}),
		clock:   clock,
	}
}

// Subscribe adds (connID, topic). Idempotent: re-subscribing keeps the
// original creation timestamp. Returns true if the membership is new.
func (r *Registry) Subscribe(connID uuid.UUID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.forward[topic]
	if !ok {
		subs = make(map[uuid.UUID]time.Time)
		r.forward[topic] = subs
	}
	if _, exists := subs[connID]; exists {
		return false
	}
	subs[connID] = r.clock.Now()

	topics, ok := r.inverse[connID]
	if !ok {
		topics = make(map[string]struct{})
		r.inverse[connID] = topics
	}
	topics[topic] = struct{}{}
	return true
}

// Unsubscribe removes (connID, topic). Idempotent. Returns true if the
// membership existed.
func (r *Registry) Unsubscribe(connID uuid.UUID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unsubscribeLocked(connID, topic)
}

func (r *Registry) unsubscribeLocked(connID uuid.UUID, topic string) bool {
	subs, ok := r.forward[topic]
	if !ok {
		return false
	}
	if _, exists := subs[connID]; !exists {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.forward, topic)
	}
	if topics, ok := r.inverse[connID]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(r.inverse, connID)
		}
	}
	return true
}

// Resolve returns the subscriber set valid at call time as a fresh slice.
func (r *Registry) Resolve(topic string) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.forward[topic]
	out := make([]uuid.UUID, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// TopicsOf returns the topics a connection is subscribed to.
func (r *Registry) TopicsOf(connID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := r.inverse[connID]
	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	return out
}

// SubscriptionCount returns how many topics a connection is subscribed to.
// The leak detector correlates queue growth against this.
func (r *Registry) SubscriptionCount(connID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.inverse[connID])
}

// SubscriberCount returns how many connections a topic has.
func (r *Registry) SubscriberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward[topic])
}

// DropConn removes every subscription of a connection and returns the
// topics it was subscribed to. Called synchronously from connection close.
func (r *Registry) DropConn(connID uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := r.inverse[connID]
	out := make([]string, 0, len(topics))
	for t := range topics {
		out = append(out, t)
	}
	for _, t := range out {
		r.unsubscribeLocked(connID, t)
	}
	return out
}

// TopicCount returns the number of topics with at least one subscriber.
func (r *Registry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward)
}
