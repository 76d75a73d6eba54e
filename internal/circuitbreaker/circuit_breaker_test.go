package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCollaborator = errors.New("collaborator unavailable")

func failingCall() error { return errCollaborator }

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, CoolOff: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, failingCall)
		assert.ErrorIs(t, err, errCollaborator)
	}
	assert.Equal(t, StateOpen, cb.State())

	// The guarded function is no longer invoked.
	invoked := false
	err := cb.Execute(ctx, func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked)

	stats := cb.Snapshot()
	assert.Equal(t, int64(3), stats.TotalCalls)
	assert.Equal(t, int64(3), stats.TotalFailures)
	assert.Equal(t, int64(1), stats.TotalRejected)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, CoolOff: time.Minute})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	require.Error(t, cb.Execute(ctx, failingCall))
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))

	// Two more failures stay under the threshold again.
	require.Error(t, cb.Execute(ctx, failingCall))
	require.Error(t, cb.Execute(ctx, failingCall))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, CoolOff: 20 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, CoolOff: 20 * time.Millisecond})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.Error(t, cb.Execute(ctx, failingCall))
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, failingCall), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenBoundsCalls(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, CoolOff: 10 * time.Millisecond, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// Hold the single half-open slot, then try a second call.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, CoolOff: time.Minute})
	ctx := context.Background()

	require.Error(t, cb.Execute(ctx, failingCall))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
}
