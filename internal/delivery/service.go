// Package delivery implements the message handler and batching service:
// publish validation, per-topic sequencing, subscriber fan-out, and
// batched per-connection flushing through whichever adapter owns each
// connection.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/envelope"
	"github.com/civictrack/relay/internal/memguard"
	"github.com/civictrack/relay/internal/metrics"
	"github.com/civictrack/relay/internal/platform/retry"
	"github.com/civictrack/relay/internal/queue"
	"github.com/civictrack/relay/internal/relayerr"
	"github.com/civictrack/relay/internal/transport"
)

// Resolver is the slice of the subscription registry the handler needs.
type Resolver interface {
	Resolve(topic string) []uuid.UUID
}

// Table is the slice of the connection manager the delivery layer needs.
type Table interface {
	Get(id uuid.UUID) (*conn.Connection, error)
	AdapterByName(name string) (transport.Adapter, bool)
	MarkDraining(id uuid.UUID) error
	Close(id uuid.UUID, reason transport.CloseReason) error
}

// Admission is the memory manager's publish gate.
type Admission interface {
	PublishAdmission(pri envelope.Priority) memguard.PublishDecision
	ThrottleDelay() time.Duration
}

// Config carries the delivery tunables.
type Config struct {
	BatchWindow       time.Duration
	BatchMaxBytes     int
	EnvelopeTTL       time.Duration
	SendRetryAttempts int
	SendRetryBackoff  time.Duration
}

// Service is the publish entry point and the owner of per-connection
// flush workers.
type Service struct {
	cfg        Config
	clock      clockwork.Clock
	resolver   Resolver
	table      Table
	admission  Admission
	sequencer  *envelope.Sequencer
	instanceID string

	// relayOut, when set, forwards every locally published envelope to
	// sibling broker instances via the redis relay.
	relayOut func(topic string, frame []byte) error

	// onCriticalFailure notifies the application layer about CRITICAL
	// envelopes that could not be delivered after retries.
	onCriticalFailure func(connID uuid.UUID, env *envelope.Envelope)

	mu       sync.Mutex
	flushers map[uuid.UUID]*flusher
	stats    LatencyObserver
}

// LatencyObserver receives publish-to-flush latencies (the monitoring
// layer's rolling percentile collector).
type LatencyObserver interface {
	Observe(d time.Duration)
}

// NewService creates the delivery service.
func NewService(cfg Config, clock clockwork.Clock, resolver Resolver, table Table, admission Admission, instanceID string) *Service {
	return &Service{
		cfg:        cfg,
		clock:      clock,
		resolver:   resolver,
		table:      table,
		admission:  admission,
		sequencer:  envelope.NewSequencer(),
		instanceID: instanceID,
		flushers:   make(map[uuid.UUID]*flusher),
	}
}

// SetRelayOut wires cross-instance fan-out.
func (s *Service) SetRelayOut(fn func(topic string, frame []byte) error) {
	s.relayOut = fn
}

// SetCriticalFailureHook installs the delivery-failure callback.
func (s *Service) SetCriticalFailureHook(fn func(connID uuid.UUID, env *envelope.Envelope)) {
	s.onCriticalFailure = fn
}

// SetLatencyObserver wires the monitoring stats collector.
func (s *Service) SetLatencyObserver(o LatencyObserver) {
	s.stats = o
}

// Publish assigns a per-topic sequence number, constructs the envelope,
// and fans it out to the subscriber set valid at call time. Under
// degradation, LOW publishes may be shed (recorded in the shed metric) and
// NORMAL publishes delayed; while SUSPENDED, non-CRITICAL publishes fail
// with a CapacityError.
func (s *Service) Publish(ctx context.Context, topic string, payload []byte, pri envelope.Priority) error {
	if topic == "" {
		return relayerr.Validation("topic must not be empty")
	}
	if !pri.Valid() {
		return relayerr.Validation(fmt.Sprintf("unknown priority %d", int(pri)))
	}

	switch s.admission.PublishAdmission(pri) {
	case memguard.PublishDrop:
		metrics.EnvelopesShedTotal.WithLabelValues(pri.String(), topic).Inc()
		metrics.PublishesTotal.WithLabelValues(pri.String(), "shed").Inc()
		return nil
	case memguard.PublishReject:
		metrics.PublishesTotal.WithLabelValues(pri.String(), "rejected").Inc()
		return relayerr.Capacity("publish rejected: broker suspended")
	case memguard.PublishDelay:
		timer := s.clock.NewTimer(s.admission.ThrottleDelay())
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	env := &envelope.Envelope{
		Topic:     topic,
		Payload:   payload,
		Priority:  pri,
		Seq:       s.sequencer.Next(topic),
		Instance:  s.instanceID,
		CreatedAt: s.clock.Now(),
	}

	s.fanOut(env)

	if s.relayOut != nil {
		frame, err := (&envelope.Batch{Envelopes: []*envelope.Envelope{env}}).Encode()
		if err == nil {
			if err := s.relayOut(topic, frame); err != nil {
				slog.Warn("Cross-instance relay publish failed", "topic", topic, "error", err)
			}
		}
	}

	metrics.PublishesTotal.WithLabelValues(pri.String(), "ok").Inc()
	return nil
}

// DeliverRelayed fans out envelopes published by a sibling instance to
// local subscribers. Never re-relayed.
func (s *Service) DeliverRelayed(topic string, frame []byte) {
	batch, err := envelope.DecodeBatch(frame)
	if err != nil {
		slog.Warn("Dropping malformed relay frame", "topic", topic, "error", err)
		return
	}
	for _, env := range batch.Envelopes {
		if env.Topic != topic {
			continue
		}
		s.fanOut(env)
	}
}

// fanOut enqueues the envelope for every current subscriber. The resolver
// snapshot means no registry lock is held while touching connections.
func (s *Service) fanOut(env *envelope.Envelope) {
	for _, connID := range s.resolver.Resolve(env.Topic) {
		s.enqueue(connID, env)
	}
}

func (s *Service) enqueue(connID uuid.UUID, env *envelope.Envelope) {
	c, err := s.table.Get(connID)
	if err != nil || !c.SendWindowOpen() {
		return
	}

	if err := c.Queue.Push(env); err != nil {
		var full queue.ErrFull
		if errors.As(err, &full) {
			metrics.EnvelopesShedTotal.WithLabelValues(env.Priority.String(), env.Topic).Inc()
			return
		}
		slog.Warn("Enqueue failed", "conn_id", connID, "error", err)
		return
	}

	s.flusherFor(connID).wake()
}

// flusherFor returns the connection's flush worker, creating it on first
// use.
func (s *Service) flusherFor(connID uuid.UUID) *flusher {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flushers[connID]
	if !ok {
		f = newFlusher(connID, s)
		s.flushers[connID] = f
	}
	return f
}

// DropConn stops the connection's flush worker. Called synchronously from
// connection close, after the queue has been cleared.
func (s *Service) DropConn(connID uuid.UUID) {
	s.mu.Lock()
	f, ok := s.flushers[connID]
	delete(s.flushers, connID)
	s.mu.Unlock()
	if ok {
		f.stop()
	}
}

// FlushAll synchronously drains the connection's queue. Used by migration
// cutover while the connection is DRAINING.
func (s *Service) FlushAll(ctx context.Context, connID uuid.UUID) error {
	c, err := s.table.Get(connID)
	if err != nil {
		return err
	}
	for c.Queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.flushConn(connID); err != nil {
			return err
		}
	}
	return nil
}

// flushConn pops one batch and sends it through the connection's adapter.
func (s *Service) flushConn(connID uuid.UUID) error {
	c, err := s.table.Get(connID)
	if err != nil {
		return nil // closed concurrently; queue already cleared
	}
	if !c.Deliverable() {
		return nil
	}

	envs := c.Queue.PopBatch(s.cfg.BatchMaxBytes)
	if len(envs) == 0 {
		return nil
	}

	now := s.clock.Now()
	kept := envs[:0]
	for _, e := range envs {
		if e.Expired(now, s.cfg.EnvelopeTTL) {
			metrics.EnvelopesExpiredTotal.Inc()
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		return nil
	}

	batch := &envelope.Batch{Envelopes: kept}
	frame, err := batch.Encode()
	if err != nil {
		slog.Error("Batch encode failed", "conn_id", connID, "error", err)
		return err
	}

	adapter, ok := s.table.AdapterByName(c.Adapter())
	if !ok {
		return relayerr.Internal(fmt.Sprintf("adapter %q not registered", c.Adapter()), nil)
	}

	sendErr := retry.Do(context.Background(), retry.Policy{
		MaxAttempts:    s.cfg.SendRetryAttempts,
		InitialBackoff: s.cfg.SendRetryBackoff,
		Clock:          s.clock,
	}, func(err error) retry.Action {
		if transport.Transient(err) {
			return retry.Retry
		}
		if errors.Is(err, transport.ErrUnknownConnection) {
			return retry.Stop
		}
		return retry.Retry
	}, func() error {
		return adapter.Send(context.Background(), connID, frame)
	})

	if sendErr != nil {
		s.handleSendFailure(c, adapter.Name(), kept, sendErr)
		return relayerr.Transport("batch send failed", sendErr)
	}

	metrics.BatchBytes.Observe(float64(len(frame)))
	metrics.BatchEnvelopes.Observe(float64(len(kept)))
	for _, e := range kept {
		metrics.EnvelopesDeliveredTotal.WithLabelValues(e.Priority.String()).Inc()
		latency := now.Sub(e.CreatedAt)
		metrics.DeliveryLatency.Observe(latency.Seconds())
		if s.stats != nil {
			s.stats.Observe(latency)
		}
	}
	return nil
}

// handleSendFailure applies the repeated-failure policy: the send was
// already retried SendRetryAttempts times, so the connection is marked
// DRAINING and closed. CRITICAL envelopes in the failed batch surface the
// delivery-failure callback.
func (s *Service) handleSendFailure(c *conn.Connection, adapterName string, envs []*envelope.Envelope, sendErr error) {
	metrics.TransportSendFailuresTotal.WithLabelValues(adapterName).Inc()
	slog.Warn("Batch send failed", "conn_id", c.ID, "adapter", adapterName, "error", sendErr)

	for _, e := range envs {
		if e.Priority == envelope.PriorityCritical {
			metrics.CriticalDeliveryFailuresTotal.Inc()
			if s.onCriticalFailure != nil {
				s.onCriticalFailure(c.ID, e)
			}
		}
	}

	_ = s.table.MarkDraining(c.ID)
	_ = s.table.Close(c.ID, transport.CloseReasonSendFailure)
}
