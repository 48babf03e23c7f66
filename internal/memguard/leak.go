package memguard

import (
	"github.com/google/uuid"

	"github.com/civictrack/relay/internal/buffer"
)

// leakSample is one periodic observation of a connection's queue.
type leakSample struct {
	queueBytes int64
	subCount   int
}

// leakTracker keeps a bounded sample ring per connection and flags
// connections whose queue grows monotonically across a full window while
// their subscription count does not.
type leakTracker struct {
	sampleCount int
	rings       map[uuid.UUID]*buffer.Ring[leakSample]
}

func newLeakTracker(sampleCount int) *leakTracker {
	return &leakTracker{
		sampleCount: sampleCount,
		rings:       make(map[uuid.UUID]*buffer.Ring[leakSample]),
	}
}

// observe records a sample and reports whether the connection now looks
// like a leak. Only called from the manager's single-writer loop.
func (t *leakTracker) observe(id uuid.UUID, queueBytes int64, subCount int) bool {
	ring, ok := t.rings[id]
	if !ok {
		ring, _ = buffer.NewRing[leakSample](t.sampleCount)
		t.rings[id] = ring
	}
	ring.Push(leakSample{queueBytes: queueBytes, subCount: subCount})

	if !ring.Full() {
		return false
	}

	samples := ring.Snapshot()
	first := samples[0]
	last := samples[len(samples)-1]

	// A flat queue is not a leak, and growth explained by new
	// subscriptions is expected fan-in, not a leak.
	if last.queueBytes <= first.queueBytes || last.subCount > first.subCount {
		return false
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].queueBytes < samples[i-1].queueBytes {
			return false
		}
	}
	return true
}

// forget drops a connection's samples after close or a leak flag.
func (t *leakTracker) forget(id uuid.UUID) {
	delete(t.rings, id)
}

// prune drops samples for connections not seen this cycle.
func (t *leakTracker) prune(live map[uuid.UUID]struct{}) {
	for id := range t.rings {
		if _, ok := live[id]; !ok {
			delete(t.rings, id)
		}
	}
}
