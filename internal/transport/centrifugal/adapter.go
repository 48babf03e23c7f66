// Package centrifugal implements the transport adapter backed by a
// centrifuge node. The node handles socket framing, client protocol, and
// native per-channel broadcast; the adapter maps broker connection ids to
// centrifuge clients.
package centrifugal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/centrifugal/centrifuge"
	"github.com/google/uuid"

	"github.com/civictrack/relay/internal/transport"
)

const AdapterName = "centrifugal"

// AcceptHandler admits a new centrifuge client and returns the broker
// connection id to bind it to. Returning an error rejects the client.
type AcceptHandler func(client *centrifuge.Client) (uuid.UUID, error)

// Adapter wraps a centrifuge node as a broker transport.
type Adapter struct {
	node *centrifuge.Node

	mu        sync.RWMutex
	clients   map[uuid.UUID]*centrifuge.Client
	ids       map[string]uuid.UUID // centrifuge client id -> conn id
	shutdown  bool
	onAccept  AcceptHandler
	onReceive transport.ReceiveHandler
	onClose   transport.CloseHandler
	onBeat    transport.HeartbeatHandler
}

var _ transport.Adapter = (*Adapter)(nil)

// New creates the adapter and its centrifuge node. Call Run before use.
func New(logLevel string) (*Adapter, error) {
	conf := centrifuge.Config{
		LogLevel:   parseLogLevel(logLevel),
		LogHandler: slogHandler,
	}
	node, err := centrifuge.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	a := &Adapter{
		node:    node,
		clients: make(map[uuid.UUID]*centrifuge.Client),
		ids:     make(map[string]uuid.UUID),
	}

	node.OnConnecting(func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
		return centrifuge.ConnectReply{}, nil
	})
	node.OnConnect(a.handleConnect)

	return a, nil
}

// Run starts the centrifuge node event loop.
func (a *Adapter) Run() error {
	return a.node.Run()
}

// Node exposes the underlying centrifuge node for HTTP handler wiring.
func (a *Adapter) Node() *centrifuge.Node {
	return a.node
}

// SetupRedisBroker switches the node to a redis broker so channel publishes
// fan out across broker instances.
func (a *Adapter) SetupRedisBroker(redisAddr, prefix string) error {
	shard, err := centrifuge.NewRedisShard(a.node, centrifuge.RedisShardConfig{Address: redisAddr})
	if err != nil {
		return fmt.Errorf("create redis shard: %w", err)
	}

	broker, err := centrifuge.NewRedisBroker(a.node, centrifuge.RedisBrokerConfig{
		Prefix: prefix,
		Shards: []*centrifuge.RedisShard{shard},
	})
	if err != nil {
		return fmt.Errorf("create redis broker: %w", err)
	}
	a.node.SetBroker(broker)
	return nil
}

func (a *Adapter) handleConnect(client *centrifuge.Client) {
	a.mu.RLock()
	accept := a.onAccept
	down := a.shutdown
	a.mu.RUnlock()

	if down || accept == nil {
		client.Disconnect(centrifuge.DisconnectServerError)
		return
	}

	connID, err := accept(client)
	if err != nil {
		slog.Warn("Centrifugal client rejected", "client_id", client.ID(), "error", err)
		client.Disconnect(centrifuge.DisconnectConnectionLimit)
		return
	}

	a.mu.Lock()
	a.clients[connID] = client
	a.ids[client.ID()] = connID
	a.mu.Unlock()

	client.OnMessage(func(e centrifuge.MessageEvent) {
		a.signalHeartbeat(connID)
		a.mu.RLock()
		h := a.onReceive
		a.mu.RUnlock()
		if h != nil {
			h(connID, e.Data)
		}
	})

	client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
		cb(centrifuge.SubscribeReply{}, nil)
	})

	client.OnAlive(func() {
		a.signalHeartbeat(connID)
	})

	client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
		a.mu.Lock()
		delete(a.clients, connID)
		delete(a.ids, client.ID())
		h := a.onClose
		a.mu.Unlock()
		if h != nil {
			h(connID, disconnectReason(e))
		}
	})
}

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Capabilities() transport.Capability {
	return transport.CapSend | transport.CapBroadcast | transport.CapCloseNotify | transport.CapTopicRouting
}

func (a *Adapter) Send(_ context.Context, connID uuid.UUID, frame []byte) error {
	a.mu.RLock()
	client, ok := a.clients[connID]
	a.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	if err := client.Send(frame); err != nil {
		return fmt.Errorf("centrifuge send: %w", err)
	}
	return nil
}

func (a *Adapter) Broadcast(_ context.Context, topic string, frame []byte) error {
	if _, err := a.node.Publish(topic, frame); err != nil {
		return fmt.Errorf("centrifuge publish to %s: %w", topic, err)
	}
	return nil
}

func (a *Adapter) Subscribe(connID uuid.UUID, topic string) error {
	a.mu.RLock()
	client, ok := a.clients[connID]
	a.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	if err := client.Subscribe(topic); err != nil {
		return fmt.Errorf("centrifuge subscribe %s: %w", topic, err)
	}
	return nil
}

func (a *Adapter) Unsubscribe(connID uuid.UUID, topic string) error {
	a.mu.RLock()
	client, ok := a.clients[connID]
	a.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	client.Unsubscribe(topic)
	return nil
}

func (a *Adapter) CloseConn(connID uuid.UUID, reason transport.CloseReason) error {
	a.mu.RLock()
	client, ok := a.clients[connID]
	a.mu.RUnlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	client.Disconnect(centrifuge.Disconnect{
		Code:   uint32(reason.Code()),
		Reason: reason.String(),
	})
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

// SetAcceptHandler wires admission back into the connection manager.
func (a *Adapter) SetAcceptHandler(h AcceptHandler) {
	a.mu.Lock()
	a.onAccept = h
	a.mu.Unlock()
}

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
	a.mu.Unlock()
	return a.node.Shutdown(ctx)
}

// ConnCount returns the number of bound clients.
func (a *Adapter) ConnCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients)
}

func (a *Adapter) signalHeartbeat(connID uuid.UUID) {
	a.mu.RLock()
	h := a.onBeat
	a.mu.RUnlock()
	if h != nil {
		h(connID)
	}
}

func disconnectReason(e centrifuge.DisconnectEvent) transport.CloseReason {
	switch e.Code {
	case centrifuge.DisconnectConnectionClosed.Code:
		return transport.CloseReasonClientRequest
	case centrifuge.DisconnectShutdown.Code:
		return transport.CloseReasonShutdown
	default:
		return transport.CloseReason(e.Reason)
	}
}

func slogHandler(entry centrifuge.LogEntry) {
	attrs := make([]any, 0, len(entry.Fields)*2)
	for k, v := range entry.Fields {
		attrs = append(attrs, k, v)
	}
	switch entry.Level {
	case centrifuge.LogLevelDebug, centrifuge.LogLevelTrace:
		slog.Debug(entry.Message, attrs...)
	case centrifuge.LogLevelInfo:
		slog.Info(entry.Message, attrs...)
	case centrifuge.LogLevelWarn:
		slog.Warn(entry.Message, attrs...)
	case centrifuge.LogLevelError:
		slog.Error(entry.Message, attrs...)
	case centrifuge.LogLevelNone:
		// EMPTY
	}
}

func parseLogLevel(level string) centrifuge.LogLevel {
	switch level {
	case "debug":
		return centrifuge.LogLevelDebug
	case "warn":
		return centrifuge.LogLevelWarn
	case "error":
		return centrifuge.LogLevelError
	default:
		return centrifuge.LogLevelInfo
	}
}
