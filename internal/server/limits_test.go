package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalConnectionCap(t *testing.T) {
	l := NewConnectionLimits(2, 10, 1000, 100)

	ok, _ := l.Acquire("10.0.0.1")
	require.True(t, ok)
	ok, _ = l.Acquire("10.0.0.2")
	require.True(t, ok)

	ok, reason := l.Acquire("10.0.0.3")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonGlobal, reason)
	assert.Equal(t, int64(2), l.Current())
}

func TestPerIPCapRollsBackGlobalSlot(t *testing.T) {
	l := NewConnectionLimits(100, 1, 1000, 100)

	ok, _ := l.Acquire("10.0.0.1")
	require.True(t, ok)

	ok, reason := l.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)
	// The refused attempt must not leak a global slot.
	assert.Equal(t, int64(1), l.Current())

	ok, _ = l.Acquire("10.0.0.2")
	assert.True(t, ok)
}

func TestRateLimitTripsBeforeCaps(t *testing.T) {
	l := NewConnectionLimits(100, 100, 0.001, 2)

	for range 2 {
		ok, _ := l.Acquire("10.0.0.1")
		require.True(t, ok)
	}

	ok, reason := l.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)

	// Other addresses have their own bucket.
	ok, _ = l.Acquire("10.0.0.2")
	assert.True(t, ok)
}

func TestReleaseFreesSlots(t *testing.T) {
	l := NewConnectionLimits(1, 1, 1000, 100)

	ok, _ := l.Acquire("10.0.0.1")
	require.True(t, ok)
	l.Release("10.0.0.1")
	assert.Zero(t, l.Current())

	ok, _ = l.Acquire("10.0.0.1")
	assert.True(t, ok)
}

func TestConcurrentAcquireNeverExceedsGlobalCap(t *testing.T) {
	const maxConns = 16
	l := NewConnectionLimits(maxConns, maxConns, 1000000, 1000000)

	results := make(chan bool, 64)
	for i := range 64 {
		ip := fmt.Sprintf("10.0.0.%d", i)
		go func() {
			ok, _ := l.Acquire(ip)
			results <- ok
		}()
	}

	granted := 0
	for range 64 {
		if <-results {
			granted++
		}
	}
	assert.Equal(t, maxConns, granted)
	assert.Equal(t, int64(maxConns), l.Current())
}
