package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker() (*breaker, *time.Time) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newBreaker()
	b.now = func() time.Time { return current }
	return b, &current
}

func TestBreaker_TripAndRecover(t *testing.T) {
	b, now := testBreaker()

	// Failures below the threshold keep the circuit closed
	for i := 0; i < BreakerFailureThreshold-1; i++ {
		b.recordFailure()
	}
	state, failures := b.snapshot()
	assert.Equal(t, BreakerClosed, state)
	assert.Equal(t, BreakerFailureThreshold-1, failures)
	assert.True(t, b.tryAdmit())

	// The fifth consecutive failure trips it
	b.recordFailure()
	state, _ = b.snapshot()
	assert.Equal(t, BreakerOpen, state)
	assert.False(t, b.admissible())
	assert.False(t, b.tryAdmit())

	// Cooldown elapses: one probe admitted, the next caller refused
	*now = now.Add(BreakerBaseCooldown)
	require.True(t, b.tryAdmit())
	state, _ = b.snapshot()
	assert.Equal(t, BreakerHalfOpen, state)
	assert.False(t, b.tryAdmit())

	// Probe success closes and clears the count
	b.recordSuccess()
	state, failures = b.snapshot()
	assert.Equal(t, BreakerClosed, state)
	assert.Zero(t, failures)
	assert.True(t, b.tryAdmit())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := testBreaker()

	for i := 0; i < BreakerFailureThreshold-1; i++ {
		b.recordFailure()
	}
	b.recordSuccess()

	// Consecutive means consecutive: the streak starts over
	for i := 0; i < BreakerFailureThreshold-1; i++ {
		b.recordFailure()
	}
	state, _ := b.snapshot()
	assert.Equal(t, BreakerClosed, state)
}

func TestBreaker_ProbeFailureDoublesCooldown(t *testing.T) {
	b, now := testBreaker()

	for i := 0; i < BreakerFailureThreshold; i++ {
		b.recordFailure()
	}

	cooldown := BreakerBaseCooldown
	for i := 0; i < 6; i++ {
		*now = now.Add(cooldown)
		require.True(t, b.tryAdmit(), "probe %d should be admitted after cooldown", i)
		b.recordFailure()

		state, _ := b.snapshot()
		require.Equal(t, BreakerOpen, state)
		cooldown = min(cooldown*2, BreakerMaxCooldown)

		// Still closed off just shy of the new deadline
		*now = now.Add(cooldown - time.Second)
		assert.False(t, b.admissible(), "probe %d cooldown should not have elapsed", i)
		*now = now.Add(time.Second - cooldown)
	}
	// 30s doubled six times passes the 10 min ceiling
	assert.Equal(t, BreakerMaxCooldown, cooldown)
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := testBreaker()

	for i := 0; i < BreakerFailureThreshold; i++ {
		b.recordFailure()
	}
	state, _ := b.snapshot()
	require.Equal(t, BreakerOpen, state)

	// Reset half-opens immediately: one probe, no cooldown wait
	b.reset()
	state, failures := b.snapshot()
	assert.Equal(t, BreakerHalfOpen, state)
	assert.Zero(t, failures)
	assert.True(t, b.tryAdmit())
	assert.False(t, b.tryAdmit())

	// And the probe failing after a reset reopens at the base cooldown
	b.recordFailure()
	assert.Equal(t, BreakerBaseCooldown*2, b.cooldown)
}

func TestBreaker_StaleReportsWhileOpen(t *testing.T) {
	b, _ := testBreaker()

	for i := 0; i < BreakerFailureThreshold; i++ {
		b.recordFailure()
	}

	// Results from calls admitted before the trip must not flip the state
	b.recordSuccess()
	state, _ := b.snapshot()
	assert.Equal(t, BreakerOpen, state)
	b.recordFailure()
	state, _ = b.snapshot()
	assert.Equal(t, BreakerOpen, state)
}
