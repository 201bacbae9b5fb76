package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() *CircuitBreaker {
	return NewCircuitBreaker("test", Config{
		MaxRequests:      1,
		Timeout:          20 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 1,
	})
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := newTestBreaker()

	for i := 0; i < 10; i++ {
		err := cb.Execute(context.Background(), func() error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, cb.State())

	calls := 0
	err := cb.Execute(context.Background(), func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls, "open breaker must not invoke the operation")
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}

	assert.Equal(t, StateClosed, cb.State(), "streak of 2+2 with a success between never reaches the threshold")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerLimitsHalfOpenProbes(t *testing.T) {
	cb := newTestBreaker()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func() error {
			<-release
			return nil
		})
	}()

	// Wait for the probe to occupy the single half-open slot.
	assert.Eventually(t, func() bool {
		return cb.Counts().Requests == 1
	}, time.Second, time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}
