package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/civictrack/relay/internal/metrics"
	"github.com/civictrack/relay/internal/queue"
	"github.com/civictrack/relay/internal/relayerr"
	"github.com/civictrack/relay/internal/transport"
)

const (
	shardCount = 32
	// closedReasonCacheSize bounds the recently-closed reason cache used to
	// answer health queries for connections that are already gone.
	closedReasonCacheSize = 4096
)

// Router decides which adapter owns a new connection. The migration
// controller's traffic splitter implements this; without an active
// migration it returns the default adapter.
type Router interface {
	RouteNewConnection() string
}

// staticRouter always routes to one adapter.
type staticRouter struct{ name string }

func (r staticRouter) RouteNewConnection() string { return r.name }

// StaticRouter returns a Router pinned to adapterName.
func StaticRouter(adapterName string) Router {
	return staticRouter{name: adapterName}
}

// Admission is consulted before accepting a connection. The memory manager
// refuses new connections while SUSPENDED.
type Admission interface {
	AdmitConnection() error
}

// Config carries the manager's tunables.
type Config struct {
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	QueueMaxBytes    int
}

// Manager owns the authoritative connection table, sharded by connection id
// so publish fan-out never contends on one global lock.
type Manager struct {
	shards    [shardCount]*shard
	clock     clockwork.Clock
	cfg       Config
	router    Router
	admission Admission

	adaptersMu sync.RWMutex
	adapters   map[string]transport.Adapter

	closedReasons *lru.Cache[uuid.UUID, transport.CloseReason]

	// onQueueDelta feeds the memory manager's global byte counter.
	onQueueDelta func(delta int64)
	// onClosed runs synchronously inside Close, before the transport is
	// told to drop the connection. The subscription registry hooks in here
	// so registry removal is synchronous with close.
	onClosed func(id uuid.UUID, identity string, reason transport.CloseReason)
	// onOpened notifies the application layer of a new open connection.
	onOpened func(id uuid.UUID, identity string)

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type shard struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*Connection
}

// NewManager creates a manager with an empty table.
func NewManager(clock clockwork.Clock, cfg Config, router Router) *Manager {
	m := &Manager{
		clock:    clock,
		cfg:      cfg,
		router:   router,
		adapters: make(map[string]transport.Adapter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{conns: make(map[uuid.UUID]*Connection)}
	}
	cache, err := lru.New[uuid.UUID, transport.CloseReason](closedReasonCacheSize)
	if err != nil {
		panic(fmt.Sprintf("closed reason cache: %v", err))
	}
	m.closedReasons = cache
	return m
}

// RegisterAdapter makes an adapter routable by name.
func (m *Manager) RegisterAdapter(a transport.Adapter) {
	m.adaptersMu.Lock()
	defer m.adaptersMu.Unlock()
	m.adapters[a.Name()] = a
}

// AdapterByName returns a registered adapter.
func (m *Manager) AdapterByName(name string) (transport.Adapter, bool) {
	m.adaptersMu.RLock()
	defer m.adaptersMu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// SetAdmission installs the memory manager's admission check.
func (m *Manager) SetAdmission(a Admission) {
	m.admission = a
}

// SetRouter replaces the new-connection router (installed by the migration
// controller's traffic splitter).
func (m *Manager) SetRouter(r Router) {
	m.router = r
}

// SetQueueDeltaHook wires queue byte accounting into the memory manager.
// Must be called before any Accept.
func (m *Manager) SetQueueDeltaHook(hook func(delta int64)) {
	m.onQueueDelta = hook
}

// SetClosedHook installs the synchronous close callback.
func (m *Manager) SetClosedHook(hook func(id uuid.UUID, identity string, reason transport.CloseReason)) {
	m.onClosed = hook
}

// SetOpenedHook installs the connection-opened callback.
func (m *Manager) SetOpenedHook(hook func(id uuid.UUID, identity string)) {
	m.onOpened = hook
}

// Accept creates a CONNECTING record bound to the adapter the router picks,
// or to forceAdapter when non-empty (used when the transport itself already
// owns the socket). Returns the new connection id.
func (m *Manager) Accept(remoteIP, forceAdapter string) (uuid.UUID, error) {
	if m.admission != nil {
		if err := m.admission.AdmitConnection(); err != nil {
			metrics.ConnectionsRejectedTotal.WithLabelValues("suspended").Inc()
			return uuid.Nil, err
		}
	}

	adapterName := forceAdapter
	if adapterName == "" {
		adapterName = m.router.RouteNewConnection()
	}
	if _, ok := m.AdapterByName(adapterName); !ok {
		return uuid.Nil, relayerr.Internal(fmt.Sprintf("no adapter registered as %q", adapterName), nil)
	}

	id := uuid.New()
	now := m.clock.Now()
	c := &Connection{
		ID:       id,
		RemoteIP: remoteIP,
		adapter:  adapterName,
		state:    StateConnecting,
		Queue:    queue.New(m.cfg.QueueMaxBytes, m.onQueueDelta),
	}
	c.createdAt = now
	c.lastHeartbeat = now

	s := m.shardFor(id)
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	metrics.ConnectionsAcceptedTotal.WithLabelValues(adapterName).Inc()
	slog.Debug("Connection accepted", "conn_id", id, "adapter", adapterName, "remote_ip", remoteIP)
	return id, nil
}

// Open transitions CONNECTING -> OPEN once the transport handshake is done.
func (m *Manager) Open(id uuid.UUID) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		return relayerr.Validation(fmt.Sprintf("cannot open connection in state %s", state))
	}
	c.state = StateOpen
	identity := c.identity
	adapter := c.adapter
	c.mu.Unlock()

	metrics.ConnectionsOpen.WithLabelValues(adapter).Inc()
	if m.onOpened != nil {
		m.onOpened(id, identity)
	}
	return nil
}

// BindIdentity attaches the authenticated identity supplied by the
// application layer.
func (m *Manager) BindIdentity(id uuid.UUID, identity string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
	return nil
}

// Heartbeat records a sign of life.
func (m *Manager) Heartbeat(id uuid.UUID) {
	if c, err := m.Get(id); err == nil {
		c.heartbeat(m.clock.Now())
	}
}

// MarkDraining stops new sends while queued batches flush.
func (m *Manager) MarkDraining(id uuid.UUID) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return relayerr.Validation("connection already closed")
	}
	c.state = StateDraining
	return nil
}

// Reopen transitions DRAINING back to OPEN after a migration cutover.
func (m *Manager) Reopen(id uuid.UUID) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDraining {
		return relayerr.Validation(fmt.Sprintf("cannot reopen connection in state %s", c.state))
	}
	c.state = StateOpen
	return nil
}

// Close removes the connection, clears its queue synchronously, runs the
// close hook (registry removal), and tells the owning adapter to send a
// close frame carrying the reason.
func (m *Manager) Close(id uuid.UUID, reason transport.CloseReason) error {
	s := m.shardFor(id)
	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()
	if !ok {
		return relayerr.NotFound("unknown connection")
	}

	c.mu.Lock()
	wasOpen := c.state == StateOpen || c.state == StateDraining
	c.state = StateClosed
	identity := c.identity
	adapterName := c.adapter
	c.mu.Unlock()

	// Cancel pending work and release queue memory before anything else.
	c.Queue.Clear()

	m.closedReasons.Add(id, reason)

	if m.onClosed != nil && wasOpen {
		m.onClosed(id, identity, reason)
	}

	if adapter, ok := m.AdapterByName(adapterName); ok {
		if err := adapter.CloseConn(id, reason); err != nil && err != transport.ErrUnknownConnection {
			slog.Warn("Adapter close failed", "conn_id", id, "adapter", adapterName, "error", err)
		}
	}

	if wasOpen {
		metrics.ConnectionsOpen.WithLabelValues(adapterName).Dec()
	}
	metrics.ConnectionsClosedTotal.WithLabelValues(adapterName, reason.String()).Inc()
	slog.Debug("Connection closed", "conn_id", id, "reason", reason)
	return nil
}

// Get returns the live connection or a not-found error.
func (m *Manager) Get(id uuid.UUID) (*Connection, error) {
	s := m.shardFor(id)
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return nil, relayerr.NotFound("unknown connection")
	}
	return c, nil
}

// StateOf reports the liveness state, consulting the closed-reason cache
// for recently departed connections.
func (m *Manager) StateOf(id uuid.UUID) (State, transport.CloseReason, error) {
	if c, err := m.Get(id); err == nil {
		return c.State(), "", nil
	}
	if reason, ok := m.closedReasons.Get(id); ok {
		return StateClosed, reason, nil
	}
	return StateClosed, "", relayerr.NotFound("unknown connection")
}

// ForEach visits a snapshot of every live connection.
func (m *Manager) ForEach(fn func(c *Connection)) {
	for _, s := range m.shards {
		s.mu.RLock()
		batch := make([]*Connection, 0, len(s.conns))
		for _, c := range s.conns {
			batch = append(batch, c)
		}
		s.mu.RUnlock()
		for _, c := range batch {
			fn(c)
		}
	}
}

// ConnsOnAdapter returns ids of live connections bound to adapterName.
func (m *Manager) ConnsOnAdapter(adapterName string) []uuid.UUID {
	var out []uuid.UUID
	m.ForEach(func(c *Connection) {
		if c.Adapter() == adapterName {
			out = append(out, c.ID)
		}
	})
	return out
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}

// StartSweep runs the heartbeat timeout sweep until ctx is cancelled.
func (m *Manager) StartSweep(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := m.clock.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				m.sweepOnce()
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// idleWarningFrame is sent one sweep before a heartbeat-timeout close so
// well-behaved clients can ping instead of being dropped.
var idleWarningFrame = []byte(`{"type":"warning","message":"connection idle, closing soon"}`)

func (m *Manager) sweepOnce() {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.HeartbeatTimeout)
	warnCutoff := now.Add(-(m.cfg.HeartbeatTimeout - m.cfg.SweepInterval))

	var stale []uuid.UUID
	type warning struct {
		id      uuid.UUID
		adapter string
	}
	var warn []warning
	m.ForEach(func(c *Connection) {
		c.mu.Lock()
		live := c.state != StateClosed
		expired := live && c.lastHeartbeat.Before(cutoff)
		warnable := live && !expired && !c.idleWarned && c.lastHeartbeat.Before(warnCutoff)
		if warnable {
			c.idleWarned = true
		}
		adapterName := c.adapter
		c.mu.Unlock()
		if expired {
			stale = append(stale, c.ID)
		} else if warnable {
			warn = append(warn, warning{id: c.ID, adapter: adapterName})
		}
	})

	for _, w := range warn {
		if adapter, ok := m.AdapterByName(w.adapter); ok {
			if err := adapter.Send(context.Background(), w.id, idleWarningFrame); err != nil {
				slog.Debug("Idle warning send failed", "conn_id", w.id, "error", err)
			}
		}
	}
	for _, id := range stale {
		slog.Info("Closing idle connection", "conn_id", id, "timeout", m.cfg.HeartbeatTimeout)
		metrics.SweepClosedTotal.Inc()
		_ = m.Close(id, transport.CloseReasonHeartbeatTimeout)
	}
}

func (m *Manager) shardFor(id uuid.UUID) *shard {
	// uuid bytes are uniformly distributed; the low byte picks the shard.
	return m.shards[id[15]%shardCount]
}
