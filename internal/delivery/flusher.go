package delivery

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/metrics"
)

// flusher is the per-connection worker that drains the connection's queue
// into transport frames. One goroutine per connection keeps a slow socket
// from ever blocking the publish path.
type flusher struct {
	connID uuid.UUID
	svc    *Service
	clock  clockwork.Clock

	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

func newFlusher(connID uuid.UUID, svc *Service) *flusher {
	f := &flusher{
		connID: connID,
		svc:    svc,
		clock:  svc.clock,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go f.run()
	return f
}

// wake signals pending work without blocking.
func (f *flusher) wake() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// stop terminates the worker. Queued envelopes are abandoned; the caller
// clears the queue.
func (f *flusher) stop() {
	f.stopOnce.Do(func() { close(f.done) })
	<-f.exited
}

func (f *flusher) run() {
	defer close(f.exited)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Flusher panic recovered", "conn_id", f.connID, "panic", r)
			metrics.ActorPanicsTotal.WithLabelValues("flusher").Inc()
		}
	}()

	for {
		select {
		case <-f.kick:
		case <-f.done:
			return
		}

		if !f.waitForWindow() {
			return
		}
		f.svc.flushConn(f.connID)

		// Self-kick while work remains so a burst drains fully.
		if f.pendingWork() {
			f.wake()
		}
	}
}

// waitForWindow holds the batching window open unless a CRITICAL envelope
// or the byte cap demands an immediate flush. Returns false on shutdown.
func (f *flusher) waitForWindow() bool {
	if f.flushImmediately() {
		return true
	}

	timer := f.clock.NewTimer(f.svc.cfg.BatchWindow)
	defer timer.Stop()
	for {
		select {
		case <-timer.Chan():
			return true
		case <-f.kick:
			if f.flushImmediately() {
				return true
			}
		case <-f.done:
			return false
		}
	}
}

// flushImmediately reports whether the queue holds a CRITICAL envelope or
// has already accumulated a full batch. HasCritical sees CRITICAL envelopes
// queued behind earlier same-topic traffic, not just the scheduling head.
func (f *flusher) flushImmediately() bool {
	c, err := f.svc.table.Get(f.connID)
	if err != nil {
		return true // connection gone; flush path will no-op
	}
	if c.Queue.HasCritical() {
		return true
	}
	return c.Queue.Bytes() >= int64(f.svc.cfg.BatchMaxBytes)
}

func (f *flusher) pendingWork() bool {
	c, err := f.svc.table.Get(f.connID)
	if err != nil {
		return false
	}
	return c.Queue.Len() > 0
}
