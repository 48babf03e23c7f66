// Package broker is the application facade: it binds transports to the
// connection manager, speaks the client command protocol, and exposes
// publish/subscribe plus per-connection health to the server layer.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/delivery"
	"github.com/civictrack/relay/internal/envelope"
	"github.com/civictrack/relay/internal/registry"
	"github.com/civictrack/relay/internal/relayerr"
	"github.com/civictrack/relay/internal/transport"
	"github.com/civictrack/relay/internal/transport/redisrelay"
)

// Broker ties the connection table, subscription registry, and delivery
// service together behind one API.
type Broker struct {
	clock    clockwork.Clock
	manager  *conn.Manager
	registry *registry.Registry
	delivery *delivery.Service
	relay    *redisrelay.Adapter

	// closeListeners run after internal close cleanup. Registered during
	// wiring, before any traffic.
	closeListeners []func(id uuid.UUID, identity string, reason transport.CloseReason)
}

// New wires the facade and installs the close hook that keeps registry and
// delivery state synchronous with connection close.
func New(clock clockwork.Clock, manager *conn.Manager, reg *registry.Registry, del *delivery.Service) *Broker {
	b := &Broker{
		clock:    clock,
		manager:  manager,
		registry: reg,
		delivery: del,
	}
	manager.SetClosedHook(b.onClosed)
	return b
}

// BindAdapter routes a transport's inbound events through the broker.
func (b *Broker) BindAdapter(a transport.Adapter) {
	a.SetReceiveHandler(b.handleReceive)
	a.SetHeartbeatHandler(b.manager.Heartbeat)
	a.SetCloseHandler(func(id uuid.UUID, reason transport.CloseReason) {
		_ = b.manager.Close(id, reason)
	})
}

// AttachRelay wires cross-instance fan-out: local publishes go out through
// the relay, sibling publishes come back in through local delivery.
func (b *Broker) AttachRelay(relay *redisrelay.Adapter) {
	b.relay = relay
	relay.SetRelayHandler(b.delivery.DeliverRelayed)
	b.delivery.SetRelayOut(func(topic string, frame []byte) error {
		return relay.Broadcast(context.Background(), topic, frame)
	})
}

// Publish fans payload out to topic subscribers at the given priority.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, pri envelope.Priority) error {
	return b.delivery.Publish(ctx, topic, payload, pri)
}

// Subscribe adds a topic membership for a live connection. Idempotent.
func (b *Broker) Subscribe(connID uuid.UUID, topic string) error {
	if topic == "" {
		return relayerr.Validation("topic must not be empty")
	}
	c, err := b.manager.Get(connID)
	if err != nil {
		return err
	}
	if !c.Deliverable() {
		return relayerr.Validation(fmt.Sprintf("cannot subscribe in state %s", c.State()))
	}

	isNew := b.registry.Subscribe(connID, topic)

	if adapter, ok := b.manager.AdapterByName(c.Adapter()); ok && adapter.Capabilities().Has(transport.CapTopicRouting) {
		if err := adapter.Subscribe(connID, topic); err != nil {
			// Roll back only a membership this call created; a repeated
			// subscribe must not destroy the existing one.
			if isNew {
				b.registry.Unsubscribe(connID, topic)
			}
			return relayerr.Transport("adapter subscribe failed", err)
		}
	}

	if isNew && b.relay != nil {
		if err := b.relay.Subscribe(connID, topic); err != nil {
			slog.Warn("Relay subscribe failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// Unsubscribe removes a topic membership. Idempotent.
func (b *Broker) Unsubscribe(connID uuid.UUID, topic string) error {
	if topic == "" {
		return relayerr.Validation("topic must not be empty")
	}
	removed := b.registry.Unsubscribe(connID, topic)

	if c, err := b.manager.Get(connID); err == nil {
		if adapter, ok := b.manager.AdapterByName(c.Adapter()); ok && adapter.Capabilities().Has(transport.CapTopicRouting) {
			if err := adapter.Unsubscribe(connID, topic); err != nil && err != transport.ErrNotSupported {
				slog.Warn("Adapter unsubscribe failed", "conn_id", connID, "topic", topic, "error", err)
			}
		}
	}

	if removed && b.relay != nil {
		if err := b.relay.Unsubscribe(connID, topic); err != nil {
			slog.Warn("Relay unsubscribe failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// ConnectionHealth is the per-connection liveness view served to operators
// and health probes.
type ConnectionHealth struct {
	ID            uuid.UUID `json:"id"`
	State         string    `json:"state"`
	CloseReason   string    `json:"close_reason,omitempty"`
	Adapter       string    `json:"adapter,omitempty"`
	Identity      string    `json:"identity,omitempty"`
	QueueBytes    int64     `json:"queue_bytes"`
	QueueLen      int       `json:"queue_len"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	CreatedAt     time.Time `json:"created_at,omitzero"`
}

// GetConnectionHealth reports a connection's state. Recently closed
// connections resolve from the closed-reason cache instead of failing.
func (b *Broker) GetConnectionHealth(id uuid.UUID) (ConnectionHealth, error) {
	if c, err := b.manager.Get(id); err == nil {
		snap := c.Snapshot()
		return ConnectionHealth{
			ID:            snap.ID,
			State:         snap.State.String(),
			Adapter:       snap.Adapter,
			Identity:      snap.Identity,
			QueueBytes:    snap.QueueBytes,
			QueueLen:      c.Queue.Len(),
			LastHeartbeat: snap.LastHeartbeat,
			CreatedAt:     snap.CreatedAt,
		}, nil
	}

	state, reason, err := b.manager.StateOf(id)
	if err != nil {
		return ConnectionHealth{}, err
	}
	return ConnectionHealth{
		ID:          id,
		State:       state.String(),
		CloseReason: reason.String(),
	}, nil
}

// AddCloseListener registers an application callback invoked after a
// connection's internal cleanup.
func (b *Broker) AddCloseListener(fn func(id uuid.UUID, identity string, reason transport.CloseReason)) {
	b.closeListeners = append(b.closeListeners, fn)
}

// onClosed runs synchronously inside Manager.Close: drop subscriptions,
// stop the flush worker, release relay refcounts.
func (b *Broker) onClosed(id uuid.UUID, identity string, reason transport.CloseReason) {
	topics := b.registry.DropConn(id)
	b.delivery.DropConn(id)
	if b.relay != nil {
		for _, topic := range topics {
			if err := b.relay.Unsubscribe(id, topic); err != nil {
				slog.Warn("Relay unsubscribe failed", "topic", topic, "error", err)
			}
		}
	}
	for _, fn := range b.closeListeners {
		fn(id, identity, reason)
	}
}
