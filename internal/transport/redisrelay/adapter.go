// Package redisrelay implements the transport adapter that adds redis
// pub/sub fan-out on top of a local delegate adapter. Per-connection sends
// go through the delegate; topic broadcasts are published to a redis
// channel per topic so sibling broker instances deliver to their own
// connections.
package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/civictrack/relay/internal/metrics"
	"github.com/civictrack/relay/internal/transport"
)

const (
	AdapterName    = "redisrelay"
	channelPrefix  = "relay:topic:"
	publishTimeout = 2 * time.Second
)

// RelayHandler receives envelope frames published by sibling instances.
type RelayHandler func(topic string, frame []byte)

// relayMessage is the wire format on redis channels. Instance identifies
// the publisher so an instance never re-delivers its own publishes.
type relayMessage struct {
	Instance string          `json:"instance"`
	Frame    json.RawMessage `json:"frame"`
}

// Adapter relays topic traffic through redis pub/sub.
type Adapter struct {
	delegate   transport.Adapter
	rdb        *goredis.Client
	instanceID string
	breaker    *gobreaker.CircuitBreaker

	mu       sync.Mutex
	sub      *goredis.PubSub
	refs     map[string]int // topic -> local subscriber refcount
	onRelay  RelayHandler
	cancel   context.CancelFunc
	shutdown bool
}

var _ transport.Adapter = (*Adapter)(nil)

// New creates the relay on top of delegate. Start must be called before
// topic subscriptions are made.
func New(delegate transport.Adapter, rdb *goredis.Client, instanceID string) *Adapter {
	var breaker *gobreaker.CircuitBreaker
	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-relay-publish",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Relay publish breaker state changed", "from", from.String(), "to", to.String())
			metrics.RelayBreakerState.Set(breakerStateValue(to))
		},
	})

	return &Adapter{
		delegate:   delegate,
		rdb:        rdb,
		instanceID: instanceID,
		breaker:    breaker,
		refs:       make(map[string]int),
	}
}

// Start opens the shared pub/sub connection and its receive loop.
func (a *Adapter) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.cancel = cancel
	// Dummy initial channel; real topics are added by Subscribe.
	a.sub = a.rdb.Subscribe(subCtx)
	sub := a.sub
	a.mu.Unlock()

	go a.receiveLoop(subCtx, sub)
}

func (a *Adapter) receiveLoop(ctx context.Context, sub *goredis.PubSub) {
	msgCh := sub.Channel()
	for {
		select {
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			a.handleRelayMessage(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) handleRelayMessage(msg *goredis.Message) {
	topic := strings.TrimPrefix(msg.Channel, channelPrefix)

	var rm relayMessage
	if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
		slog.Warn("Failed to unmarshal relay message", "channel", msg.Channel, "error", err)
		return
	}
	if rm.Instance == a.instanceID {
		return
	}

	a.mu.Lock()
	h := a.onRelay
	a.mu.Unlock()
	if h != nil {
		h(topic, rm.Frame)
	}
}

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Capabilities() transport.Capability {
	return a.delegate.Capabilities() | transport.CapBroadcast | transport.CapTopicRouting
}

func (a *Adapter) Send(ctx context.Context, connID uuid.UUID, frame []byte) error {
	return a.delegate.Send(ctx, connID, frame)
}

// Broadcast publishes the frame to the topic's redis channel. Local
// delivery is the caller's job; siblings pick the frame up via the relay
// handler on their side.
func (a *Adapter) Broadcast(ctx context.Context, topic string, frame []byte) error {
	payload, err := json.Marshal(relayMessage{Instance: a.instanceID, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err = a.breaker.Execute(func() (any, error) {
		return nil, a.rdb.Publish(ctx, channelPrefix+topic, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("relay publish to %s: %w", topic, err)
	}
	metrics.TransportBroadcastsTotal.WithLabelValues(AdapterName).Inc()
	return nil
}

// Subscribe refcounts topic interest and joins the redis channel on the
// first local subscriber.
func (a *Adapter) Subscribe(_ uuid.UUID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown || a.sub == nil {
		return transport.ErrNotSupported
	}
	a.refs[topic]++
	if a.refs[topic] == 1 {
		if err := a.sub.Subscribe(context.Background(), channelPrefix+topic); err != nil {
			a.refs[topic]--
			return fmt.Errorf("relay subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Unsubscribe drops one reference and leaves the redis channel when the
// last local subscriber is gone.
func (a *Adapter) Unsubscribe(_ uuid.UUID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refs[topic] == 0 {
		return nil
	}
	a.refs[topic]--
	if a.refs[topic] == 0 {
		delete(a.refs, topic)
		if a.sub != nil {
			if err := a.sub.Unsubscribe(context.Background(), channelPrefix+topic); err != nil {
				return fmt.Errorf("relay unsubscribe %s: %w", topic, err)
			}
		}
	}
	return nil
}

func (a *Adapter) CloseConn(connID uuid.UUID, reason transport.CloseReason) error {
	return a.delegate.CloseConn(connID, reason)
}

// Attach passes a raw websocket through to the delegate when the delegate
// accepts sockets directly. The /ws endpoint uses this so connections
// routed to the relay still live on the local websocket server.
func (a *Adapter) Attach(connID uuid.UUID, ws *websocket.Conn) error {
	if att, ok := a.delegate.(interface {
		Attach(uuid.UUID, *websocket.Conn) error
	}); ok {
		return att.Attach(connID, ws)
	}
	return transport.ErrNotSupported
}

func (a *Adapter) SetReceiveHandler(h transport.ReceiveHandler) {
	a.delegate.SetReceiveHandler(h)
}

func (a *Adapter) SetCloseHandler(h transport.CloseHandler) {
	a.delegate.SetCloseHandler(h)
}

func (a *Adapter) SetHeartbeatHandler(h transport.HeartbeatHandler) {
	a.delegate.SetHeartbeatHandler(h)
}

// SetRelayHandler wires frames from sibling instances into local delivery.
func (a *Adapter) SetRelayHandler(h RelayHandler) {
	a.mu.Lock()
	a.onRelay = h
	a.mu.Unlock()
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("relay redis ping: %w", err)
	}
	return a.delegate.Ping(ctx)
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.shutdown = true
	if a.cancel != nil {
		a.cancel()
	}
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	return a.delegate.Shutdown(ctx)
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
