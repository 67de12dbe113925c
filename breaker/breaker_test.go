package breaker

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockgate/flockgate/log"
)

func TestMain(m *testing.M) {
	log.SuppressOutput(true)
	retCode := m.Run()
	log.SuppressOutput(false)
	os.Exit(retCode)
}

func TestTripAndRefuse(t *testing.T) {
	b := New(15, time.Minute)
	for i := 0; i < 14; i++ {
		require.True(t, b.Allow(), "dispatch %d must pass while closed", i)
		b.OnResult(false)
	}
	assert.Equal(t, StateClosed, b.State(), "14 failures must not trip the breaker")

	require.True(t, b.Allow())
	b.OnResult(false)
	assert.Equal(t, StateOpen, b.State(), "15th failure must trip the breaker")
	assert.False(t, b.Allow(), "open breaker must refuse dispatches")
}

func TestSuccessDecrementsFailureCount(t *testing.T) {
	b := New(3, time.Minute)
	b.OnResult(false)
	b.OnResult(false)
	b.OnResult(true)
	require.Equal(t, 1, b.FailureCount())

	b.OnResult(false)
	assert.Equal(t, StateClosed, b.State(), "interleaved successes must keep the count below the threshold")

	b.OnResult(false)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenSingleTrial(t *testing.T) {
	b := New(2, 60*time.Millisecond)
	b.OnResult(false)
	b.OnResult(false)
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	time.Sleep(70 * time.Millisecond)

	require.True(t, b.Allow(), "first dispatch after the open timeout must pass")
	assert.False(t, b.Allow(), "only one trial may be in flight")
	assert.False(t, b.Allow())

	b.OnResult(true)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.FailureCount(), "closing must reset the failure count")
	assert.True(t, b.Allow())

	// a single failure right after recovery must not retrip
	b.OnResult(false)
	assert.Equal(t, StateClosed, b.State())
}

func TestTrialFailureReopens(t *testing.T) {
	b := New(1, 40*time.Millisecond)
	b.OnResult(false)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)
	require.True(t, b.Allow())
	b.OnResult(false)

	assert.False(t, b.Allow(), "failed trial must reopen the breaker")

	time.Sleep(50 * time.Millisecond)
	assert.True(t, b.Allow(), "reopened breaker must allow another trial after the timeout")
}

func TestStateReportsHalfOpenAfterTimeout(t *testing.T) {
	b := New(1, 30*time.Millisecond)
	b.OnResult(false)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestLateOutcomesWhileOpen(t *testing.T) {
	b := New(2, time.Minute)
	b.OnResult(false)
	b.OnResult(false)
	require.Equal(t, StateOpen, b.State())

	// outcomes of dispatches admitted before the trip must not disturb it
	b.OnResult(true)
	b.OnResult(false)
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}
