package envelope

import "sync"

// Sequencer assigns monotonic per-topic sequence numbers. Sequences are
// scoped to this broker instance; cross-instance ordering is out of scope.
type Sequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

// NewSequencer creates an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{next: make(map[string]uint64)}
}

// Next returns the next sequence number for topic, starting at 1.
func (s *Sequencer) Next(topic string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[topic]++
	return s.next[topic]
}

// Current returns the last assigned sequence for topic, 0 if none.
func (s *Sequencer) Current(topic string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next[topic]
}

// DropTopic forgets a topic's counter. Only called when a topic is retired;
// reusing a retired topic restarts its sequence at 1.
func (s *Sequencer) DropTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.next, topic)
}
