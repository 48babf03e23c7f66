package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeIsIdempotent(t *testing.T) {
	r := New(clockwork.NewFakeClock())
	id := uuid.New()

	assert.True(t, r.Subscribe(id, "votes"))
	assert.False(t, r.Subscribe(id, "votes"))
	assert.Equal(t, 1, r.SubscriberCount("votes"))
	assert.Equal(t, 1, r.SubscriptionCount(id))
}

func TestResubscribeKeepsOriginalTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := New(clock)
	id := uuid.New()

	r.Subscribe(id, "votes")
	first := r.forward["votes"][id]

	clock.Advance(time.Second)
	r.Subscribe(id, "votes")
	assert.Equal(t, first, r.forward["votes"][id])
}

func TestResolveReturnsSnapshot(t *testing.T) {
	r := New(clockwork.NewFakeClock())
	a, b := uuid.New(), uuid.New()
	r.Subscribe(a, "votes")
	r.Subscribe(b, "votes")

	snapshot := r.Resolve("votes")
	require.Len(t, snapshot, 2)

	// Mutating the registry after Resolve must not affect the snapshot.
	r.Unsubscribe(a, "votes")
	assert.Len(t, snapshot, 2)
	assert.Len(t, r.Resolve("votes"), 1)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := New(clockwork.NewFakeClock())
	id := uuid.New()

	assert.False(t, r.Unsubscribe(id, "votes"))
	r.Subscribe(id, "votes")
	assert.True(t, r.Unsubscribe(id, "votes"))
	assert.False(t, r.Unsubscribe(id, "votes"))
	assert.Zero(t, r.TopicCount())
}

func TestDropConnRemovesAllMemberships(t *testing.T) {
	r := New(clockwork.NewFakeClock())
	id, other := uuid.New(), uuid.New()
	r.Subscribe(id, "votes")
	r.Subscribe(id, "alerts")
	r.Subscribe(other, "votes")

	topics := r.DropConn(id)
	assert.ElementsMatch(t, []string{"votes", "alerts"}, topics)
	assert.Zero(t, r.SubscriptionCount(id))
	assert.Equal(t, 1, r.SubscriberCount("votes"))
	assert.Zero(t, r.SubscriberCount("alerts"))
	assert.Equal(t, 1, r.TopicCount())
}

func TestTopicsOf(t *testing.T) {
	r := New(clockwork.NewFakeClock())
	id := uuid.New()
	assert.Empty(t, r.TopicsOf(id))

	r.Subscribe(id, "a")
	r.Subscribe(id, "b")
	assert.ElementsMatch(t, []string{"a", "b"}, r.TopicsOf(id))
}
