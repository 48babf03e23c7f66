// Package envelope defines the immutable unit of published data, the
// per-topic sequencer, and the batch frame format used on the wire.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority classifies an envelope for queue ordering and shed policy.
type Priority int

const (
	// PriorityCritical envelopes bypass batching and flush immediately.
	PriorityCritical Priority = iota
	// PriorityNormal envelopes accumulate until a flush trigger fires.
	PriorityNormal
	// PriorityLow envelopes are the first dropped under degradation.
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is a known priority class.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority maps a wire priority name to its class. Empty means NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return PriorityNormal, nil
	case "critical":
		return PriorityCritical, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Envelope is an immutable published message. Sequence numbers are monotonic
// per topic and assigned per broker instance (not coordinated across
// instances when the redis relay is in use).
type Envelope struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Priority  Priority        `json:"priority"`
	Seq       uint64          `json:"seq"`
	Instance  string          `json:"instance,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Size returns the byte footprint used for memory-budget accounting.
func (e *Envelope) Size() int {
	return len(e.Topic) + len(e.Payload) + envelopeOverhead
}

// Fixed per-envelope overhead covering struct fields and framing.
const envelopeOverhead = 64

// Expired reports whether the envelope has outlived ttl.
func (e *Envelope) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > ttl
}
