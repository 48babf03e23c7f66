package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/delivery"
	"github.com/civictrack/relay/internal/envelope"
	"github.com/civictrack/relay/internal/memguard"
	"github.com/civictrack/relay/internal/registry"
	"github.com/civictrack/relay/internal/transport"
)

// --- Mocks ---

type recordingAdapter struct {
	name string
	caps transport.Capability

	mu         sync.Mutex
	frames     map[uuid.UUID][][]byte
	subscribed map[uuid.UUID][]string
	subErr     error
}

func newRecordingAdapter(name string, caps transport.Capability) *recordingAdapter {
	return &recordingAdapter{
		name:       name,
		caps:       caps,
		frames:     make(map[uuid.UUID][][]byte),
		subscribed: make(map[uuid.UUID][]string),
	}
}

func (a *recordingAdapter) Name() string                       { return a.name }
func (a *recordingAdapter) Capabilities() transport.Capability { return a.caps }
func (a *recordingAdapter) Send(_ context.Context, id uuid.UUID, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	a.frames[id] = append(a.frames[id], cp)
	return nil
}
func (a *recordingAdapter) Broadcast(context.Context, string, []byte) error {
	return transport.ErrNotSupported
}
func (a *recordingAdapter) Subscribe(id uuid.UUID, topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subErr != nil {
		return a.subErr
	}
	a.subscribed[id] = append(a.subscribed[id], topic)
	return nil
}
func (a *recordingAdapter) Unsubscribe(uuid.UUID, string) error { return nil }
func (a *recordingAdapter) CloseConn(uuid.UUID, transport.CloseReason) error {
	return nil
}
func (a *recordingAdapter) SetReceiveHandler(transport.ReceiveHandler)     {}
func (a *recordingAdapter) SetCloseHandler(transport.CloseHandler)         {}
func (a *recordingAdapter) SetHeartbeatHandler(transport.HeartbeatHandler) {}
func (a *recordingAdapter) Ping(context.Context) error                     { return nil }
func (a *recordingAdapter) Shutdown(context.Context) error                 { return nil }

func (a *recordingAdapter) framesFor(id uuid.UUID) [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.frames[id]))
	copy(out, a.frames[id])
	return out
}

type openAdmission struct{}

func (openAdmission) PublishAdmission(envelope.Priority) memguard.PublishDecision {
	return memguard.PublishAdmit
}
func (openAdmission) ThrottleDelay() time.Duration { return 0 }

// --- Helpers ---

type brokerFixture struct {
	clock   clockwork.Clock
	manager *conn.Manager
	reg     *registry.Registry
	del     *delivery.Service
	adapter *recordingAdapter
	broker  *Broker
}

func newBrokerFixture(t *testing.T, clock clockwork.Clock, caps transport.Capability) *brokerFixture {
	t.Helper()
	manager := conn.NewManager(clock, conn.Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
		QueueMaxBytes:    1 << 20,
	}, conn.StaticRouter("ws"))
	adapter := newRecordingAdapter("ws", caps)
	manager.RegisterAdapter(adapter)

	reg := registry.New(clock)
	del := delivery.NewService(delivery.Config{
		BatchWindow:       time.Millisecond,
		BatchMaxBytes:     64 * 1024,
		EnvelopeTTL:       time.Minute,
		SendRetryAttempts: 1,
		SendRetryBackoff:  time.Millisecond,
	}, clock, reg, manager, openAdmission{}, "instance-a")

	b := New(clock, manager, reg, del)
	b.BindAdapter(adapter)
	return &brokerFixture{clock: clock, manager: manager, reg: reg, del: del, adapter: adapter, broker: b}
}

func (f *brokerFixture) openConn(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := f.manager.Accept("10.0.0.1", "")
	require.NoError(t, err)
	require.NoError(t, f.manager.Open(id))
	return id
}

// controlFrames decodes every non-batch frame sent to the connection.
func (f *brokerFixture) controlFrames(t *testing.T, id uuid.UUID) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range f.adapter.framesFor(id) {
		var m map[string]any
		require.NoError(t, json.Unmarshal(frame, &m))
		if _, isBatch := m["envelopes"]; !isBatch {
			out = append(out, m)
		}
	}
	return out
}

// --- Tests ---

func TestSubscribeCommandAcksAndRegisters(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend)
	id := f.openConn(t)

	f.broker.handleReceive(id, []byte(`{"action":"subscribe","topic":"votes"}`))

	assert.Equal(t, []string{"votes"}, f.reg.TopicsOf(id))
	frames := f.controlFrames(t, id)
	require.Len(t, frames, 1)
	assert.Equal(t, "ack", frames[0]["type"])
	assert.Equal(t, "subscribe", frames[0]["action"])
	assert.Equal(t, "votes", frames[0]["topic"])
}

func TestUnsubscribeCommandRemovesMembership(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend)
	id := f.openConn(t)
	f.reg.Subscribe(id, "votes")

	f.broker.handleReceive(id, []byte(`{"action":"unsubscribe","topic":"votes"}`))

	assert.Empty(t, f.reg.TopicsOf(id))
}

func TestMalformedFrameSendsValidationError(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend)
	id := f.openConn(t)

	f.broker.handleReceive(id, []byte(`{not json`))

	frames := f.controlFrames(t, id)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, "validation", frames[0]["kind"])
}

func TestUnknownActionSendsError(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend)
	id := f.openConn(t)

	f.broker.handleReceive(id, []byte(`{"action":"teleport"}`))

	frames := f.controlFrames(t, id)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
}

func TestEveryFrameCountsAsHeartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newBrokerFixture(t, clock, transport.CapSend)
	id := f.openConn(t)

	clock.Advance(42 * time.Second)
	f.broker.handleReceive(id, []byte(`{"action":"ping"}`))

	health, err := f.broker.GetConnectionHealth(id)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), health.LastHeartbeat)
}

func TestPublishCommandReachesSubscriber(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewRealClock(), transport.CapSend)
	pub := f.openConn(t)
	sub := f.openConn(t)
	require.NoError(t, f.broker.Subscribe(sub, "votes"))

	f.broker.handleReceive(pub, []byte(`{"action":"publish","topic":"votes","payload":{"v":1},"priority":"critical"}`))

	assert.Eventually(t, func() bool {
		for _, frame := range f.adapter.framesFor(sub) {
			batch, err := envelope.DecodeBatch(frame)
			if err == nil && len(batch.Envelopes) == 1 && batch.Envelopes[0].Topic == "votes" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	frames := f.controlFrames(t, pub)
	require.Len(t, frames, 1)
	assert.Equal(t, "ack", frames[0]["type"])
}

func TestPublishCommandRejectsUnknownPriority(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend)
	id := f.openConn(t)

	f.broker.handleReceive(id, []byte(`{"action":"publish","topic":"votes","payload":{},"priority":"urgent"}`))

	frames := f.controlFrames(t, id)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0]["type"])
	assert.Equal(t, "validation", frames[0]["kind"])
}

func TestSubscribeValidation(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend)

	assert.Error(t, f.broker.Subscribe(uuid.New(), "votes"))

	id := f.openConn(t)
	assert.Error(t, f.broker.Subscribe(id, ""))

	// A connection still in CONNECTING cannot subscribe.
	pending, err := f.manager.Accept("10.0.0.2", "")
	require.NoError(t, err)
	assert.Error(t, f.broker.Subscribe(pending, "votes"))
}

func TestSubscribeReplaysToTopicRoutingAdapter(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend|transport.CapTopicRouting)
	id := f.openConn(t)

	require.NoError(t, f.broker.Subscribe(id, "votes"))
	assert.Equal(t, []string{"votes"}, f.adapter.subscribed[id])
}

func TestAdapterSubscribeFailureRollsBackRegistry(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend|transport.CapTopicRouting)
	id := f.openConn(t)
	f.adapter.subErr = assert.AnError

	assert.Error(t, f.broker.Subscribe(id, "votes"))
	assert.Empty(t, f.reg.TopicsOf(id))
}

func TestRepeatedSubscribeFailureKeepsExistingMembership(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend|transport.CapTopicRouting)
	id := f.openConn(t)
	require.NoError(t, f.broker.Subscribe(id, "votes"))

	// A failed re-subscribe must not tear down the membership the first
	// call established.
	f.adapter.subErr = assert.AnError
	assert.Error(t, f.broker.Subscribe(id, "votes"))
	assert.Equal(t, []string{"votes"}, f.reg.TopicsOf(id))
}

func TestCloseDropsStateAndNotifiesListeners(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend)

	var gotID uuid.UUID
	var gotReason transport.CloseReason
	f.broker.AddCloseListener(func(id uuid.UUID, _ string, reason transport.CloseReason) {
		gotID = id
		gotReason = reason
	})

	id := f.openConn(t)
	require.NoError(t, f.broker.Subscribe(id, "votes"))
	require.NoError(t, f.manager.Close(id, transport.CloseReasonClientRequest))

	assert.Empty(t, f.reg.Resolve("votes"))
	assert.Equal(t, id, gotID)
	assert.Equal(t, transport.CloseReasonClientRequest, gotReason)
}

func TestConnectionHealthForClosedConnection(t *testing.T) {
	f := newBrokerFixture(t, clockwork.NewFakeClock(), transport.CapSend)
	id := f.openConn(t)
	require.NoError(t, f.manager.Close(id, transport.CloseReasonHeartbeatTimeout))

	health, err := f.broker.GetConnectionHealth(id)
	require.NoError(t, err)
	assert.Equal(t, "closed", health.State)
	assert.Equal(t, "heartbeat_timeout", health.CloseReason)

	_, err = f.broker.GetConnectionHealth(uuid.New())
	assert.Error(t, err)
}
