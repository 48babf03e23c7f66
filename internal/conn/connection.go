// Package conn implements the connection manager: the authoritative sharded
// connection table, per-connection lifecycle state, heartbeats, and the
// background timeout sweep.
package conn

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civictrack/relay/internal/queue"
)

// State is the connection liveness state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is owned exclusively by the Manager. Other components refer to
// connections by id, never by handle, to avoid ownership cycles.
type Connection struct {
	ID       uuid.UUID
	RemoteIP string

	mu            sync.Mutex
	identity      string
	adapter       string
	state         State
	lastHeartbeat time.Time
	createdAt     time.Time
	idleWarned    bool

	// Queue is the connection's outbound queue, shared with the delivery
	// layer. Created once at accept, cleared synchronously at close.
	Queue *queue.Queue
}

// Snapshot is a read-only copy of the connection's mutable state.
type Snapshot struct {
	ID            uuid.UUID
	Identity      string
	Adapter       string
	State         State
	LastHeartbeat time.Time
	CreatedAt     time.Time
	QueueBytes    int64
}

// Snapshot returns a consistent copy of the connection state.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:            c.ID,
		Identity:      c.identity,
		Adapter:       c.adapter,
		State:         c.state,
		LastHeartbeat: c.lastHeartbeat,
		CreatedAt:     c.createdAt,
		QueueBytes:    c.Queue.Bytes(),
	}
}

// State returns the current liveness state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Adapter returns the adapter binding.
func (c *Connection) Adapter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adapter
}

// Identity returns the bound identity, empty until BindIdentity.
func (c *Connection) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// SendWindowOpen reports whether new sends are permitted. DRAINING permits
// flushing queued batches but no new enqueues.
func (c *Connection) SendWindowOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// Deliverable reports whether queued batches may still be flushed.
func (c *Connection) Deliverable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen || c.state == StateDraining
}

// SwapAdapter atomically rebinds the connection to a new adapter under the
// per-connection lock. Used by migration cutover; callers must have drained
// the queue first.
func (c *Connection) SwapAdapter(target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter = target
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Connection) heartbeat(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = now
	c.idleWarned = false
}
