package migration

import (
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/civictrack/relay/internal/metrics"
)

// Splitter holds the current traffic-split percentage. It is the single
// source of truth the connection manager consults when routing new
// connections during a migration.
type Splitter struct {
	source string
	target string
	bits   atomic.Uint64 // float64 percentage
}

// NewSplitter starts at 0% (everything to source).
func NewSplitter(source, target string) *Splitter {
	return &Splitter{source: source, target: target}
}

// Pct returns the current split percentage.
func (s *Splitter) Pct() float64 {
	return math.Float64frombits(s.bits.Load())
}

// SetPct publishes a new split percentage, clamped to [0, 100].
func (s *Splitter) SetPct(pct float64) {
	pct = math.Max(0, math.Min(100, pct))
	s.bits.Store(math.Float64bits(pct))
	metrics.TrafficSplitPct.Set(pct)
}

// RouteNewConnection implements conn.Router: a pct% coin flip sends a new
// connection to the target adapter.
func (s *Splitter) RouteNewConnection() string {
	if rand.Float64()*100 < s.Pct() {
		return s.target
	}
	return s.source
}
