package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, Cooldown: 50 * time.Millisecond})

	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "breaker should fast-fail while open")
}

func TestBreakerHalfOpenAllowsExactlyOneTrial(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	assert.True(t, b.Allow(), "first half-open call should be allowed")
	assert.False(t, b.Allow(), "second concurrent half-open call should be refused")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})
	require.True(t, b.Allow())
	b.RecordFailure()

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureDoublesAndReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, MaxCooldown: time.Second})
	require.True(t, b.Allow())
	b.RecordFailure()

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// cooldown doubled to 20ms: still open after the original 15ms wait.
	time.Sleep(15 * time.Millisecond)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerCooldownCappedAtMax(t *testing.T) {
	b := New(Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, MaxCooldown: 15 * time.Millisecond})
	for i := 0; i < 5; i++ {
		require.Eventually(t, func() bool { return b.Allow() }, time.Second, time.Millisecond)
		b.RecordFailure()
	}
	assert.LessOrEqual(t, b.currentCooldown, b.cfg.MaxCooldown)
}
