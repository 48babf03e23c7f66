// Package native implements the transport adapter backed by the broker's
// own gorilla/websocket server. Topic fan-out happens upstream in the
// delivery layer; this adapter only moves frames per connection.
package native

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/transport"
)

const AdapterName = "native"

// Adapter tracks attached websocket connections keyed by connection id.
type Adapter struct {
	mu        sync.RWMutex
	writers   map[uuid.UUID]*clientWriter
	clock     clockwork.Clock
	shutdown  bool
	onReceive transport.ReceiveHandler
	onClose   transport.CloseHandler
	onBeat    transport.HeartbeatHandler
}

var _ transport.Adapter = (*Adapter)(nil)

// New creates an adapter with no attached connections.
func New(clock clockwork.Clock) *Adapter {
	return &Adapter{
		writers: make(map[uuid.UUID]*clientWriter),
		clock:   clock,
	}
}

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Capabilities() transport.Capability {
	return transport.CapSend | transport.CapCloseNotify
}

// Attach registers an upgraded websocket connection under connID and starts
// its read and write goroutines. The caller (HTTP server) has already run
// admission checks and created the connection record.
func (a *Adapter) Attach(connID uuid.UUID, conn *websocket.Conn) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		_ = conn.Close()
		return transport.ErrUnknownConnection
	}
	cw := newClientWriter(conn, a.clock,
		func() { a.heartbeat(connID) },
		func() { a.detach(connID, transport.CloseReasonSendFailure) },
	)
	a.writers[connID] = cw
	a.mu.Unlock()

	go a.readLoop(connID, conn)
	return nil
}

func (a *Adapter) readLoop(connID uuid.UUID, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.detach(connID, transport.CloseReasonClientRequest)
			return
		}
		a.heartbeat(connID)
		a.mu.RLock()
		h := a.onReceive
		a.mu.RUnlock()
		if h != nil {
			h(connID, data)
		}
	}
}

func (a *Adapter) Send(_ context.Context, connID uuid.UUID, frame []byte) error {
	a.mu.RLock()
	cw, ok := a.writers[connID]
	a.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	if !cw.enqueue(frame) {
		return transport.ErrBackpressure
	}
	return nil
}

func (a *Adapter) Broadcast(context.Context, string, []byte) error {
	return transport.ErrNotSupported
}

func (a *Adapter) Subscribe(uuid.UUID, string) error {
	return transport.ErrNotSupported
}

func (a *Adapter) Unsubscribe(uuid.UUID, string) error {
	return transport.ErrNotSupported
}

func (a *Adapter) CloseConn(connID uuid.UUID, reason transport.CloseReason) error {
	a.mu.Lock()
	cw, ok := a.writers[connID]
	delete(a.writers, connID)
	a.mu.Unlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	cw.stopGraceful(reason.Code(), reason.String())
	return nil
}

func (a *Adapter) SetReceiveHandler(h transport.ReceiveHandler) {
	a.mu.Lock()
	a.onReceive = h
	a.mu.Unlock()
}

func (a *Adapter) SetCloseHandler(h transport.CloseHandler) {
	a.mu.Lock()
	a.onClose = h
	a.mu.Unlock()
}

func (a *Adapter) SetHeartbeatHandler(h transport.HeartbeatHandler) {
	a.mu.Lock()
	a.onBeat = h
	a.mu.Unlock()
}

// Ping reports adapter liveness. The native adapter is healthy as long as
// it has not been shut down.
func (a *Adapter) Ping(context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.shutdown {
		return transport.ErrUnknownConnection
	}
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.shutdown = true
	writers := a.writers
	a.writers = make(map[uuid.UUID]*clientWriter)
	a.mu.Unlock()

	slog.Info("Native adapter shutting down", "connections", len(writers))
	for _, cw := range writers {
		cw.stopGraceful(transport.CloseReasonShutdown.Code(), transport.CloseReasonShutdown.String())
	}
	return ctx.Err()
}

// ConnCount returns the number of attached connections.
func (a *Adapter) ConnCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.writers)
}

// detach removes the writer and notifies the close handler. Used by the
// read loop and the writer's failure callback.
func (a *Adapter) detach(connID uuid.UUID, reason transport.CloseReason) {
	a.mu.Lock()
	cw, ok := a.writers[connID]
	delete(a.writers, connID)
	h := a.onClose
	a.mu.Unlock()
	if !ok {
		return
	}
	cw.stop()
	if h != nil {
		h(connID, reason)
	}
}

func (a *Adapter) heartbeat(connID uuid.UUID) {
	a.mu.RLock()
	h := a.onBeat
	a.mu.RUnlock()
	if h != nil {
		h(connID)
	}
}
