package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/civictrack/relay/internal/buffer"
)

// statsWindow bounds how many latency observations the rolling percentiles
// are computed over. The same ring primitive backs leak detection, so
// historical data never grows unbounded.
const statsWindow = 1024

// Stats maintains rolling delivery-latency percentiles.
type Stats struct {
	mu   sync.Mutex
	ring *buffer.Ring[time.Duration]
}

// NewStats creates an empty collector.
func NewStats() *Stats {
	ring, _ := buffer.NewRing[time.Duration](statsWindow)
	return &Stats{ring: ring}
}

// Observe records one delivery latency. Implements the delivery layer's
// LatencyObserver.
func (s *Stats) Observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Push(d)
}

// Percentiles holds the rolling latency distribution.
type Percentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// Percentiles computes p50/p95/p99 over the current window.
func (s *Stats) Percentiles() Percentiles {
	s.mu.Lock()
	samples := s.ring.Snapshot()
	s.mu.Unlock()

	if len(samples) == 0 {
		return Percentiles{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return Percentiles{
		P50: samples[rank(len(samples), 50)],
		P95: samples[rank(len(samples), 95)],
		P99: samples[rank(len(samples), 99)],
	}
}

// rank returns the index of the pct-th percentile in a sorted sample set.
func rank(n, pct int) int {
	i := n*pct/100 - 1
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
