package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func retryAll(error) Action { return Retry }

func TestSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, InitialBackoff: time.Second}, retryAll, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, InitialBackoff: time.Second}, func(error) Action {
		return Stop
	}, func() error {
		calls++
		return errBoom
	})

	assert.Equal(t, 1, calls)
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.ErrorIs(t, err, errBoom)
}

func TestSingleAttemptFailsWithoutBackoff(t *testing.T) {
	// MaxAttempts=1 must return without ever arming a timer; a fake clock
	// with no Advance would otherwise hang the call.
	clock := clockwork.NewFakeClock()
	err := Do(context.Background(), Policy{MaxAttempts: 1, InitialBackoff: time.Second, Clock: clock}, retryAll, func() error {
		return errBoom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.ErrorContains(t, err, "after 1 attempts")
}

func TestRetriesUntilSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0

	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), Policy{MaxAttempts: 5, InitialBackoff: time.Second, Clock: clock}, retryAll, func() error {
			calls++
			if calls < 3 {
				return errBoom
			}
			return nil
		})
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	require.NoError(t, <-done)
	assert.Equal(t, 3, calls)
}

func TestBackoffDoublesBetweenAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var backoffs []time.Duration

	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), Policy{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			Clock:          clock,
			OnRetry: func(_ int, _ error, backoff time.Duration) {
				backoffs = append(backoffs, backoff)
			},
		}, retryAll, func() error {
			return errBoom
		})
	}()

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(200 * time.Millisecond)

	err := <-done
	require.Error(t, err)
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, backoffs)
}

func TestContextCancelDuringBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, Policy{MaxAttempts: 5, InitialBackoff: time.Minute, Clock: clock}, retryAll, func() error {
			return errBoom
		})
	}()

	clock.BlockUntil(1)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
