// Package transport defines the adapter contract the broker speaks to every
// concrete backend: the native websocket server, the centrifuge library
// node, and the redis pub/sub relay for cross-instance fan-out.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Capability describes what an adapter supports natively. Adapters without
// CapBroadcast degrade to per-connection fan-out in the delivery layer.
type Capability uint8

const (
	CapSend Capability = 1 << iota
	CapBroadcast
	CapCloseNotify
	// CapTopicRouting adapters track topic membership themselves and need
	// Subscribe/Unsubscribe calls replayed during migration.
	CapTopicRouting
)

// Has reports whether c includes want.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// ReceiveHandler is invoked for every inbound client frame.
type ReceiveHandler func(connID uuid.UUID, data []byte)

// CloseHandler is invoked when the transport observes a connection close.
type CloseHandler func(connID uuid.UUID, reason CloseReason)

// HeartbeatHandler is invoked on any sign of life from a connection
// (pong frames, inbound messages).
type HeartbeatHandler func(connID uuid.UUID)

// Adapter is a pluggable transport backend. Implementations must be safe
// for concurrent use; Send failures are always reported, never swallowed.
type Adapter interface {
	Name() string
	Capabilities() Capability

	// Send writes one frame to a single connection. May fail with
	// ErrUnknownConnection or ErrBackpressure.
	Send(ctx context.Context, connID uuid.UUID, frame []byte) error

	// Broadcast writes one frame to every connection subscribed to topic.
	// Returns ErrNotSupported unless Capabilities includes CapBroadcast.
	Broadcast(ctx context.Context, topic string, frame []byte) error

	// Subscribe/Unsubscribe maintain native topic routing for
	// CapTopicRouting adapters; others return ErrNotSupported.
	Subscribe(connID uuid.UUID, topic string) error
	Unsubscribe(connID uuid.UUID, topic string) error

	// CloseConn closes a single connection, sending a close frame carrying
	// the machine-readable reason where the transport supports it.
	CloseConn(connID uuid.UUID, reason CloseReason) error

	SetReceiveHandler(h ReceiveHandler)
	SetCloseHandler(h CloseHandler)
	SetHeartbeatHandler(h HeartbeatHandler)

	// Ping probes adapter liveness for the health checker.
	Ping(ctx context.Context) error

	// Shutdown closes all connections with CloseReasonShutdown.
	Shutdown(ctx context.Context) error
}

var (
	// ErrUnknownConnection means the adapter holds no connection with that id.
	ErrUnknownConnection = errors.New("transport: unknown connection")
	// ErrBackpressure means the connection's outbound buffer is full.
	// Transient: the caller may retry after backoff.
	ErrBackpressure = errors.New("transport: outbound buffer full")
	// ErrNotSupported means the adapter lacks the requested capability.
	ErrNotSupported = errors.New("transport: capability not supported")
)

// Transient reports whether a send error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrBackpressure)
}
