// Package buffer provides a bounded ring buffer used for leak-detection
// sampling and rolling latency statistics. The buffer never grows: once
// capacity is reached, the oldest value is overwritten.
package buffer

import "fmt"

// Ring is a fixed-capacity circular buffer. Not safe for concurrent use;
// callers synchronize externally (both users are single-writer loops).
type Ring[T any] struct {
	values []T
	head   int
	size   int
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	return &Ring[T]{values: make([]T, capacity)}, nil
}

// Push appends a value, overwriting the oldest value when full.
func (r *Ring[T]) Push(v T) {
	r.values[r.head] = v
	r.head = (r.head + 1) % len(r.values)
	if r.size < len(r.values) {
		r.size++
	}
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.values)
}

// Full reports whether the ring holds Cap() values.
func (r *Ring[T]) Full() bool {
	return r.size == len(r.values)
}

// Snapshot returns the stored values oldest-first.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.values)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.values[(start+i)%len(r.values)])
	}
	return out
}

// Reset discards all stored values.
func (r *Ring[T]) Reset() {
	r.head = 0
	r.size = 0
}
