// Package memguard implements the memory manager: global queue-byte
// accounting, the hysteretic degradation state machine, shedding, and
// queue-growth leak detection.
//
// All stage mutation happens on the manager's own loop (single writer);
// readers consult an atomically published stage value.
package memguard

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/envelope"
	"github.com/civictrack/relay/internal/metrics"
	"github.com/civictrack/relay/internal/relayerr"
	"github.com/civictrack/relay/internal/transport"
)

// throttleDelay is the pause applied to NORMAL publishes while THROTTLED.
const throttleDelay = 5 * time.Millisecond

// Table is the slice of the connection manager the memory manager needs.
type Table interface {
	ForEach(fn func(c *conn.Connection))
	Close(id uuid.UUID, reason transport.CloseReason) error
}

// SubCounter reports a connection's subscription count, used to rule out
// fan-in growth when judging leaks.
type SubCounter interface {
	SubscriptionCount(connID uuid.UUID) int
}

// Config carries the manager's tunables.
type Config struct {
	BudgetBytes    int64
	Thresholds     Thresholds
	SampleInterval time.Duration
	LeakSamples    int
}

// Manager tracks the global queued-byte total and runs the degradation
// state machine.
type Manager struct {
	cfg   Config
	clock clockwork.Clock
	table Table
	subs  SubCounter

	globalBytes atomic.Int64
	stage       atomic.Int32
	leaks       *leakTracker

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates a manager in StageNormal.
func NewManager(cfg Config, clock clockwork.Clock, table Table, subs SubCounter) *Manager {
	return &Manager{
		cfg:   cfg,
		clock: clock,
		table: table,
		subs:  subs,
		leaks: newLeakTracker(cfg.LeakSamples),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Delta adjusts the global byte counter. Wired as the queue accounting
// hook, so every enqueue/dequeue/evict updates it.
func (m *Manager) Delta(delta int64) {
	total := m.globalBytes.Add(delta)
	metrics.QueueBytesGlobal.Set(float64(total))
}

// GlobalBytes returns the current global queued-byte total.
func (m *Manager) GlobalBytes() int64 {
	return m.globalBytes.Load()
}

// Stage returns the atomically published degradation stage.
func (m *Manager) Stage() Stage {
	return Stage(m.stage.Load())
}

// PublishAdmission decides the fate of a new publish at the given priority.
// CRITICAL envelopes are only rejected while SUSPENDED.
func (m *Manager) PublishAdmission(pri envelope.Priority) PublishDecision {
	switch m.Stage() {
	case StageNormal:
		return PublishAdmit
	case StageThrottled:
		switch pri {
		case envelope.PriorityLow:
			return PublishDrop
		case envelope.PriorityNormal:
			return PublishDelay
		default:
			return PublishAdmit
		}
	case StageShedding:
		switch pri {
		case envelope.PriorityCritical:
			return PublishAdmit
		case envelope.PriorityNormal:
			return PublishDelay
		default:
			return PublishDrop
		}
	case StageSuspended:
		if pri == envelope.PriorityCritical {
			return PublishAdmit
		}
		return PublishReject
	}
	return PublishAdmit
}

// ThrottleDelay returns the pause for PublishDelay decisions.
func (m *Manager) ThrottleDelay() time.Duration {
	return throttleDelay
}

// AdmitConnection implements conn.Admission: new connections are refused
// while SUSPENDED.
func (m *Manager) AdmitConnection() error {
	if m.Stage() == StageSuspended {
		return relayerr.Capacity("broker suspended: memory budget exhausted")
	}
	return nil
}

// Start runs the sampling loop until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Memory manager panic recovered", "panic", r)
				metrics.ActorPanicsTotal.WithLabelValues("memguard").Inc()
			}
		}()

		ticker := m.clock.NewTicker(m.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				m.cycle()
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop terminates the sampling loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// cycle is one monitoring pass: publish the new stage, sample queues for
// leak detection, and apply stage-specific pressure relief.
func (m *Manager) cycle() {
	usage := float64(m.globalBytes.Load()) / float64(m.cfg.BudgetBytes) * 100

	cur := m.Stage()
	next := m.cfg.Thresholds.eval(cur, usage)
	if next != cur {
		m.stage.Store(int32(next))
		metrics.DegradationStage.Set(float64(next))
		metrics.StageTransitionsTotal.WithLabelValues(cur.String(), next.String()).Inc()
		slog.Warn("Degradation stage changed",
			"from", cur.String(),
			"to", next.String(),
			"usage_pct", usage,
		)
	}

	m.sampleForLeaks()

	switch m.Stage() {
	case StageShedding:
		m.shed()
	case StageSuspended:
		m.suspendLargest()
	}
}

// sampleForLeaks records one sample per live connection and closes any
// connection flagged as a suspected leak.
func (m *Manager) sampleForLeaks() {
	live := make(map[uuid.UUID]struct{})
	var flagged []uuid.UUID

	m.table.ForEach(func(c *conn.Connection) {
		live[c.ID] = struct{}{}
		subCount := 0
		if m.subs != nil {
			subCount = m.subs.SubscriptionCount(c.ID)
		}
		if m.leaks.observe(c.ID, c.Queue.Bytes(), subCount) {
			flagged = append(flagged, c.ID)
		}
	})
	m.leaks.prune(live)

	for _, id := range flagged {
		slog.Warn("Suspected queue leak, closing connection", "conn_id", id)
		metrics.LeaksSuspectedTotal.Inc()
		m.leaks.forget(id)
		_ = m.table.Close(id, transport.CloseReasonLeakSuspected)
	}
}

// shed evicts LOW then NORMAL envelopes from the worst-offending
// connections until usage drops below the shed exit threshold.
func (m *Manager) shed() {
	exitBytes := int64(m.cfg.Thresholds.ShedExit / 100 * float64(m.cfg.BudgetBytes))
	excess := m.globalBytes.Load() - exitBytes
	if excess <= 0 {
		return
	}

	offenders := m.connsByQueueSize()
	for _, c := range offenders {
		if excess <= 0 {
			break
		}
		evicted := c.Queue.Evict(envelope.PriorityLow, int(excess))
		for _, e := range evicted {
			metrics.EnvelopesShedTotal.WithLabelValues(e.Priority.String(), e.Topic).Inc()
			excess -= int64(e.Size())
		}
	}
}

// suspendLargest closes the largest queue holder to force memory release.
// One connection per cycle keeps the shed rate observable and bounded.
func (m *Manager) suspendLargest() {
	offenders := m.connsByQueueSize()
	if len(offenders) == 0 {
		return
	}
	victim := offenders[0]
	slog.Warn("Suspended: closing largest queue holder",
		"conn_id", victim.ID,
		"queue_bytes", victim.Queue.Bytes(),
	)
	_ = m.table.Close(victim.ID, transport.CloseReasonSuspended)
}

func (m *Manager) connsByQueueSize() []*conn.Connection {
	var conns []*conn.Connection
	m.table.ForEach(func(c *conn.Connection) {
		if c.Queue.Bytes() > 0 {
			conns = append(conns, c)
		}
	})
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Queue.Bytes() > conns[j].Queue.Bytes()
	})
	return conns
}
