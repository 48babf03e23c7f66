package memguard

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civictrack/relay/internal/conn"
	"github.com/civictrack/relay/internal/envelope"
	"github.com/civictrack/relay/internal/queue"
	"github.com/civictrack/relay/internal/transport"
)

type fakeTable struct {
	conns  map[uuid.UUID]*conn.Connection
	closed map[uuid.UUID]transport.CloseReason
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		conns:  make(map[uuid.UUID]*conn.Connection),
		closed: make(map[uuid.UUID]transport.CloseReason),
	}
}

func (t *fakeTable) ForEach(fn func(c *conn.Connection)) {
	for _, c := range t.conns {
		fn(c)
	}
}

func (t *fakeTable) Close(id uuid.UUID, reason transport.CloseReason) error {
	t.closed[id] = reason
	delete(t.conns, id)
	return nil
}

type fakeSubs map[uuid.UUID]int

func (s fakeSubs) SubscriptionCount(id uuid.UUID) int { return s[id] }

func testManager(t *testing.T, table *fakeTable, subs fakeSubs) *Manager {
	t.Helper()
	return NewManager(Config{
		BudgetBytes:    1000,
		Thresholds:     testThresholds,
		SampleInterval: time.Second,
		LeakSamples:    3,
	}, clockwork.NewFakeClock(), table, subs)
}

func TestCycleEscalatesAndRecovers(t *testing.T) {
	table := newFakeTable()
	m := testManager(t, table, fakeSubs{})

	m.Delta(700) // 70% of budget
	m.cycle()
	assert.Equal(t, StageThrottled, m.Stage())

	m.Delta(-100) // 60%, below throttle exit
	m.cycle()
	assert.Equal(t, StageNormal, m.Stage())
}

func TestPublishAdmissionByStage(t *testing.T) {
	table := newFakeTable()
	m := testManager(t, table, fakeSubs{})

	set := func(stage Stage) { m.stage.Store(int32(stage)) }

	set(StageNormal)
	assert.Equal(t, PublishAdmit, m.PublishAdmission(envelope.PriorityLow))

	set(StageThrottled)
	assert.Equal(t, PublishDrop, m.PublishAdmission(envelope.PriorityLow))
	assert.Equal(t, PublishDelay, m.PublishAdmission(envelope.PriorityNormal))
	assert.Equal(t, PublishAdmit, m.PublishAdmission(envelope.PriorityCritical))

	set(StageShedding)
	assert.Equal(t, PublishDrop, m.PublishAdmission(envelope.PriorityLow))
	assert.Equal(t, PublishDelay, m.PublishAdmission(envelope.PriorityNormal))
	assert.Equal(t, PublishAdmit, m.PublishAdmission(envelope.PriorityCritical))

	set(StageSuspended)
	assert.Equal(t, PublishReject, m.PublishAdmission(envelope.PriorityLow))
	assert.Equal(t, PublishReject, m.PublishAdmission(envelope.PriorityNormal))
	assert.Equal(t, PublishAdmit, m.PublishAdmission(envelope.PriorityCritical))
}

func TestAdmitConnectionRefusedOnlyWhileSuspended(t *testing.T) {
	table := newFakeTable()
	m := testManager(t, table, fakeSubs{})

	assert.NoError(t, m.AdmitConnection())
	m.stage.Store(int32(StageSuspended))
	assert.Error(t, m.AdmitConnection())
}

func TestLeakingConnectionIsClosed(t *testing.T) {
	table := newFakeTable()
	m := testManager(t, table, fakeSubs{})

	id := uuid.New()
	q := queue.New(0, m.Delta)
	table.conns[id] = &conn.Connection{ID: id, Queue: q}

	// Three cycles of monotonic queue growth with a flat subscription count.
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, q.Push(&envelope.Envelope{Topic: "votes", Payload: []byte("x"), Seq: i, Priority: envelope.PriorityNormal}))
		m.cycle()
	}

	assert.Equal(t, transport.CloseReasonLeakSuspected, table.closed[id])
}

func TestSheddingEvictsFromWorstOffender(t *testing.T) {
	table := newFakeTable()
	m := testManager(t, table, fakeSubs{})

	big := uuid.New()
	bigQ := queue.New(0, m.Delta)
	table.conns[big] = &conn.Connection{ID: big, Queue: bigQ}

	// Push enough LOW traffic to land in the shedding band (85-95%).
	payload := make([]byte, 110)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, bigQ.Push(&envelope.Envelope{Topic: "feed", Payload: payload, Seq: i, Priority: envelope.PriorityLow}))
	}
	require.GreaterOrEqual(t, float64(m.GlobalBytes())/1000*100, 85.0)

	m.cycle()
	assert.Equal(t, StageShedding, m.Stage())
	// Eviction reclaimed down to the shed exit threshold.
	assert.LessOrEqual(t, m.GlobalBytes(), int64(800))
	assert.Empty(t, table.closed)
}

func TestSuspendedClosesLargestQueueHolder(t *testing.T) {
	table := newFakeTable()
	m := testManager(t, table, fakeSubs{})

	small, large := uuid.New(), uuid.New()
	smallQ := queue.New(0, m.Delta)
	largeQ := queue.New(0, m.Delta)
	table.conns[small] = &conn.Connection{ID: small, Queue: smallQ}
	table.conns[large] = &conn.Connection{ID: large, Queue: largeQ}

	require.NoError(t, smallQ.Push(&envelope.Envelope{Topic: "a", Payload: make([]byte, 50), Seq: 1, Priority: envelope.PriorityCritical}))
	require.NoError(t, largeQ.Push(&envelope.Envelope{Topic: "b", Payload: make([]byte, 800), Seq: 1, Priority: envelope.PriorityCritical}))

	m.cycle()
	require.Equal(t, StageSuspended, m.Stage())
	assert.Equal(t, transport.CloseReasonSuspended, table.closed[large])
	_, smallClosed := table.closed[small]
	assert.False(t, smallClosed)
}
