package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civictrack/relay/internal/envelope"
)

func env(topic string, seq uint64, pri envelope.Priority) *envelope.Envelope {
	return &envelope.Envelope{
		Topic:    topic,
		Payload:  []byte(`{"v":1}`),
		Priority: pri,
		Seq:      seq,
	}
}

func TestPushPopKeepsPerTopicSequenceOrder(t *testing.T) {
	q := New(0, nil)

	// Out-of-order arrival within one topic.
	require.NoError(t, q.Push(env("votes", 2, envelope.PriorityNormal)))
	require.NoError(t, q.Push(env("votes", 1, envelope.PriorityNormal)))
	require.NoError(t, q.Push(env("votes", 3, envelope.PriorityNormal)))

	out := q.PopAll()
	require.Len(t, out, 3)
	assert.Equal(t, uint64(1), out[0].Seq)
	assert.Equal(t, uint64(2), out[1].Seq)
	assert.Equal(t, uint64(3), out[2].Seq)
}

func TestPriorityOrdersAcrossTopicsNotWithin(t *testing.T) {
	q := New(0, nil)

	require.NoError(t, q.Push(env("feed", 1, envelope.PriorityLow)))
	require.NoError(t, q.Push(env("feed", 2, envelope.PriorityLow)))
	require.NoError(t, q.Push(env("alerts", 1, envelope.PriorityCritical)))
	require.NoError(t, q.Push(env("updates", 1, envelope.PriorityNormal)))

	out := q.PopAll()
	require.Len(t, out, 4)
	assert.Equal(t, "alerts", out[0].Topic)
	assert.Equal(t, "updates", out[1].Topic)
	assert.Equal(t, "feed", out[2].Topic)
	assert.Equal(t, "feed", out[3].Topic)
	// Per-topic order survives priority scheduling.
	assert.Equal(t, uint64(1), out[2].Seq)
	assert.Equal(t, uint64(2), out[3].Seq)
}

func TestCriticalNeverOvertakesEarlierSameTopicEnvelope(t *testing.T) {
	q := New(0, nil)

	require.NoError(t, q.Push(env("votes", 1, envelope.PriorityNormal)))
	require.NoError(t, q.Push(env("votes", 2, envelope.PriorityCritical)))

	out := q.PopAll()
	require.Len(t, out, 2)
	assert.Equal(t, uint64(1), out[0].Seq)
	assert.Equal(t, uint64(2), out[1].Seq)
}

func TestPopBatchRespectsByteBudget(t *testing.T) {
	q := New(0, nil)
	one := env("t", 1, envelope.PriorityNormal)
	require.NoError(t, q.Push(one))
	require.NoError(t, q.Push(env("t", 2, envelope.PriorityNormal)))
	require.NoError(t, q.Push(env("t", 3, envelope.PriorityNormal)))

	batch := q.PopBatch(one.Size() * 2)
	assert.Len(t, batch, 2)
	assert.Equal(t, 1, q.Len())

	// An oversized single envelope is still returned alone.
	rest := q.PopBatch(1)
	assert.Len(t, rest, 1)
	assert.Equal(t, 0, q.Len())
}

func TestPushReturnsErrFullAtByteCap(t *testing.T) {
	probe := env("t", 1, envelope.PriorityNormal)
	q := New(probe.Size(), nil)

	require.NoError(t, q.Push(probe))
	err := q.Push(env("t", 2, envelope.PriorityNormal))
	require.Error(t, err)
	var full ErrFull
	assert.ErrorAs(t, err, &full)
}

func TestEvictDropsLowBeforeNormalAndNeverCritical(t *testing.T) {
	q := New(0, nil)
	low := env("a", 1, envelope.PriorityLow)
	normal := env("b", 1, envelope.PriorityNormal)
	critical := env("c", 1, envelope.PriorityCritical)
	require.NoError(t, q.Push(low))
	require.NoError(t, q.Push(normal))
	require.NoError(t, q.Push(critical))

	evicted := q.Evict(envelope.PriorityLow, low.Size())
	require.Len(t, evicted, 1)
	assert.Equal(t, envelope.PriorityLow, evicted[0].Priority)

	evicted = q.Evict(envelope.PriorityLow, normal.Size()+critical.Size())
	require.Len(t, evicted, 1)
	assert.Equal(t, envelope.PriorityNormal, evicted[0].Priority)

	// Only the critical envelope remains and it is untouchable.
	assert.Empty(t, q.Evict(envelope.PriorityLow, 1<<20))
	assert.Equal(t, 1, q.Len())
}

func TestByteAccountingDeltaHook(t *testing.T) {
	var total int64
	q := New(0, func(d int64) { total += d })

	e := env("t", 1, envelope.PriorityNormal)
	require.NoError(t, q.Push(e))
	assert.Equal(t, int64(e.Size()), total)
	assert.Equal(t, int64(e.Size()), q.Bytes())

	q.PopAll()
	assert.Zero(t, total)
	assert.Zero(t, q.Bytes())
}

func TestClearReleasesEverything(t *testing.T) {
	var total int64
	q := New(0, func(d int64) { total += d })
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Push(env("t", i, envelope.PriorityNormal)))
	}

	q.Clear()
	assert.Zero(t, q.Len())
	assert.Zero(t, q.Bytes())
	assert.Zero(t, total)
	assert.Empty(t, q.PopAll())
}

func TestHasCriticalSeesCriticalBehindSameTopicNormal(t *testing.T) {
	q := New(0, nil)
	assert.False(t, q.HasCritical())

	// A CRITICAL queued behind an earlier same-topic NORMAL never reaches the
	// scheduling head, but it must still be visible to the flush path.
	require.NoError(t, q.Push(env("votes", 1, envelope.PriorityNormal)))
	require.NoError(t, q.Push(env("votes", 2, envelope.PriorityCritical)))

	pri, ok := q.HighestPending()
	require.True(t, ok)
	assert.Equal(t, envelope.PriorityNormal, pri)
	assert.True(t, q.HasCritical())

	out := q.PopAll()
	require.Len(t, out, 2)
	assert.False(t, q.HasCritical())
}

func TestHasCriticalClearedByClear(t *testing.T) {
	q := New(0, nil)
	require.NoError(t, q.Push(env("a", 1, envelope.PriorityNormal)))
	require.NoError(t, q.Push(env("a", 2, envelope.PriorityCritical)))
	require.True(t, q.HasCritical())

	q.Clear()
	assert.False(t, q.HasCritical())
}

func TestHighestPending(t *testing.T) {
	q := New(0, nil)
	_, ok := q.HighestPending()
	assert.False(t, ok)

	require.NoError(t, q.Push(env("a", 1, envelope.PriorityLow)))
	pri, ok := q.HighestPending()
	require.True(t, ok)
	assert.Equal(t, envelope.PriorityLow, pri)

	require.NoError(t, q.Push(env("b", 1, envelope.PriorityCritical)))
	pri, ok = q.HighestPending()
	require.True(t, ok)
	assert.Equal(t, envelope.PriorityCritical, pri)
}
