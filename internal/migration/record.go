// Package migration implements the traffic-controlled state machine that
// moves live connections between transport adapters without message loss,
// with automatic health-triggered rollback.
package migration

import (
	"time"

	"github.com/google/uuid"

	"github.com/civictrack/relay/internal/monitor"
)

// Status is the migration's overall state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusShadowed   Status = "shadowed"
	StatusCutover    Status = "cutover"
	StatusComplete   Status = "complete"
	StatusRolledBack Status = "rolled_back"
)

// ConnStatus is one connection's migration state.
type ConnStatus string

const (
	ConnPending    ConnStatus = "pending"
	ConnShadowed   ConnStatus = "shadowed"
	ConnCutover    ConnStatus = "cutover"
	ConnRolledBack ConnStatus = "rolled_back"
)

// RampPlan describes how the traffic split climbs from 0 to 100 percent.
type RampPlan struct {
	// StepPct is added to the split at every hold interval.
	StepPct float64 `json:"step_pct"`
	// Hold is how long each step is held before the next increase.
	Hold time.Duration `json:"hold"`
}

// Record tracks one migration. Connections are referenced by id only.
type Record struct {
	ID       uuid.UUID `json:"id"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	Status   Status    `json:"status"`
	SplitPct float64   `json:"split_pct"`
	Plan     RampPlan  `json:"plan"`

	Conns map[uuid.UUID]ConnStatus `json:"conns"`

	// Health is the latest target-adapter snapshot backing go/no-go
	// decisions.
	Health monitor.ComponentHealth `json:"health"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Failure    string    `json:"failure,omitempty"`
}

// terminal reports whether the migration has finished.
func (r *Record) terminal() bool {
	return r.Status == StatusComplete || r.Status == StatusRolledBack
}

// snapshot returns a deep copy safe to hand to the operator API.
func (r *Record) snapshot() Record {
	cp := *r
	cp.Conns = make(map[uuid.UUID]ConnStatus, len(r.Conns))
	for k, v := range r.Conns {
		cp.Conns[k] = v
	}
	return cp
}
