// Package queue implements the bounded per-connection outbound queue.
//
// Envelopes are stored in per-topic FIFO lists scheduled by a heap keyed on
// each topic head's (priority, sequence). Dequeue always takes a topic's
// head, so per-topic sequence order is structurally strict; priority only
// governs scheduling between topics.
package queue

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/civictrack/relay/internal/envelope"
)

// topicFIFO holds pending envelopes for one topic in ascending sequence order.
type topicFIFO struct {
	topic     string
	envelopes []*envelope.Envelope
	heapIndex int
}

func (f *topicFIFO) head() *envelope.Envelope {
	return f.envelopes[0]
}

// topicHeap orders topics by their head envelope's (priority, seq).
type topicHeap []*topicFIFO

func (h topicHeap) Len() int { return len(h) }

func (h topicHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

func (h topicHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *topicHeap) Push(x any) {
	f := x.(*topicFIFO)
	f.heapIndex = len(*h)
	*h = append(*h, f)
}

func (h *topicHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.heapIndex = -1
	*h = old[:n-1]
	return f
}

// Queue is the bounded outbound queue for a single connection.
// Safe for concurrent use. Byte accounting is exposed through an atomic
// so readers (the memory manager) never take the queue lock.
type Queue struct {
	mu     sync.Mutex
	topics map[string]*topicFIFO
	order  topicHeap
	bytes  atomic.Int64
	count  int
	// criticals counts queued CRITICAL envelopes wherever they sit in their
	// topic FIFO, so the flush path can bypass the batch window even when a
	// CRITICAL is queued behind earlier same-topic envelopes.
	criticals int
	maxBytes  int

	// onBytesDelta publishes accounting changes to the global counter.
	// May be nil in tests.
	onBytesDelta func(delta int64)
}

// New creates a queue bounded by maxBytes.
func New(maxBytes int, onBytesDelta func(delta int64)) *Queue {
	return &Queue{
		topics:       make(map[string]*topicFIFO),
		maxBytes:     maxBytes,
		onBytesDelta: onBytesDelta,
	}
}

// ErrFull is returned by Push when the queue is at its byte cap.
type ErrFull struct{}

func (ErrFull) Error() string { return "connection queue full" }

// Push enqueues an envelope, keeping per-topic ascending sequence order.
// Returns ErrFull if admitting the envelope would exceed the byte cap.
func (q *Queue) Push(e *envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	size := int64(e.Size())
	if q.maxBytes > 0 && q.bytes.Load()+size > int64(q.maxBytes) {
		return ErrFull{}
	}

	fifo, ok := q.topics[e.Topic]
	if !ok {
		fifo = &topicFIFO{topic: e.Topic, heapIndex: -1}
		q.topics[e.Topic] = fifo
	}

	// Insert in sequence order. Appends dominate; concurrent publishers to
	// the same topic can interleave enqueue, so walk back from the tail.
	pos := len(fifo.envelopes)
	for pos > 0 && fifo.envelopes[pos-1].Seq > e.Seq {
		pos--
	}
	fifo.envelopes = append(fifo.envelopes, nil)
	copy(fifo.envelopes[pos+1:], fifo.envelopes[pos:])
	fifo.envelopes[pos] = e

	if fifo.heapIndex == -1 {
		heap.Push(&q.order, fifo)
	} else if pos == 0 {
		heap.Fix(&q.order, fifo.heapIndex)
	}

	q.count++
	if e.Priority == envelope.PriorityCritical {
		q.criticals++
	}
	q.addBytes(size)
	return nil
}

// PopBatch removes envelopes in scheduling order up to maxBytes accumulated
// size. A single envelope larger than maxBytes is still returned alone.
func (q *Queue) PopBatch(maxBytes int) []*envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*envelope.Envelope
	total := 0
	for len(q.order) > 0 {
		fifo := q.order[0]
		e := fifo.head()
		size := e.Size()
		if len(out) > 0 && maxBytes > 0 && total+size > maxBytes {
			break
		}
		q.removeHead(fifo)
		out = append(out, e)
		total += size
	}
	return out
}

// PopAll drains the entire queue in scheduling order.
func (q *Queue) PopAll() []*envelope.Envelope {
	return q.PopBatch(0)
}

// Evict removes the oldest envelopes at or below maxPriority until
// targetBytes have been reclaimed or no eligible envelope remains.
// CRITICAL envelopes are never evicted. Returns the evicted envelopes.
func (q *Queue) Evict(maxPriority envelope.Priority, targetBytes int) []*envelope.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted []*envelope.Envelope
	reclaimed := 0
	for pri := maxPriority; pri > envelope.PriorityCritical && reclaimed < targetBytes; pri-- {
		for _, fifo := range q.topics {
			i := 0
			for i < len(fifo.envelopes) && reclaimed < targetBytes {
				e := fifo.envelopes[i]
				if e.Priority != pri {
					i++
					continue
				}
				fifo.envelopes = append(fifo.envelopes[:i], fifo.envelopes[i+1:]...)
				q.count--
				q.addBytes(-int64(e.Size()))
				reclaimed += e.Size()
				evicted = append(evicted, e)
			}
			q.fixTopic(fifo)
		}
	}
	return evicted
}

// Clear drains and discards everything, releasing all accounted bytes.
// Called synchronously on connection close.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, fifo := range q.topics {
		for _, e := range fifo.envelopes {
			q.addBytes(-int64(e.Size()))
		}
		fifo.envelopes = nil
	}
	q.topics = make(map[string]*topicFIFO)
	q.order = q.order[:0]
	q.count = 0
	q.criticals = 0
}

// Bytes returns the current accounted byte size without locking.
func (q *Queue) Bytes() int64 {
	return q.bytes.Load()
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// HighestPending returns the best (lowest-ordinal) priority currently
// queued, and false when the queue is empty.
func (q *Queue) HighestPending() (envelope.Priority, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return 0, false
	}
	return q.order[0].head().Priority, true
}

// HasCritical reports whether any CRITICAL envelope is queued, regardless
// of its position within its topic's FIFO.
func (q *Queue) HasCritical() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.criticals > 0
}

// removeHead pops a topic's head envelope and restores heap shape.
// Caller holds q.mu.
func (q *Queue) removeHead(fifo *topicFIFO) {
	e := fifo.envelopes[0]
	fifo.envelopes = fifo.envelopes[1:]
	q.count--
	if e.Priority == envelope.PriorityCritical {
		q.criticals--
	}
	q.addBytes(-int64(e.Size()))
	q.fixTopic(fifo)
}

// fixTopic re-heaps or removes a topic after its FIFO changed.
// Caller holds q.mu.
func (q *Queue) fixTopic(fifo *topicFIFO) {
	if fifo.heapIndex == -1 {
		if len(fifo.envelopes) > 0 {
			heap.Push(&q.order, fifo)
		}
		return
	}
	if len(fifo.envelopes) == 0 {
		heap.Remove(&q.order, fifo.heapIndex)
		delete(q.topics, fifo.topic)
		return
	}
	heap.Fix(&q.order, fifo.heapIndex)
}

func (q *Queue) addBytes(delta int64) {
	q.bytes.Add(delta)
	if q.onBytesDelta != nil {
		q.onBytesDelta(delta)
	}
}
