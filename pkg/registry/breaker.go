package registry

import (
	"sync"
	"time"
)

// BreakerState is the circuit state of a single provider.
type BreakerState string

// Circuit states.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Circuit breaker tuning.
const (
	BreakerFailureThreshold = 5
	BreakerBaseCooldown     = 30 * time.Second
	BreakerMaxCooldown      = 10 * time.Minute
)

// breaker tracks consecutive failures for one provider and decides whether
// calls may be admitted. Open circuits cool down, then admit a single probe;
// the probe's reported result decides between closing and reopening with a
// doubled cooldown.
type breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	cooldown  time.Duration
	openUntil time.Time
	probing   bool

	now func() time.Time // overridable in tests
}

func newBreaker() *breaker {
	return &breaker{
		state:    BreakerClosed,
		cooldown: BreakerBaseCooldown,
		now:      time.Now,
	}
}

// admissible reports whether a call could currently be admitted, without
// consuming the half-open probe slot. Used to filter candidates before
// strategy selection.
func (b *breaker) admissible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		return !b.now().Before(b.openUntil)
	case BreakerHalfOpen:
		return !b.probing
	}
	return false
}

// tryAdmit admits a call if the circuit allows it. An open circuit whose
// cooldown has elapsed transitions to half-open and admits the caller as the
// probe; a second caller is refused until the probe's result is reported.
func (b *breaker) tryAdmit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Before(b.openUntil) {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// recordSuccess resets the failure count. A successful half-open probe closes
// the circuit and restores the base cooldown. A success reported while open is
// stale (the call was admitted before the circuit tripped) and is ignored.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failures = 0
		b.cooldown = BreakerBaseCooldown
		b.probing = false
	}
}

// recordFailure counts a consecutive failure. Reaching the threshold trips the
// circuit; a failed half-open probe reopens it with a doubled cooldown, capped
// at BreakerMaxCooldown.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= BreakerFailureThreshold {
			b.state = BreakerOpen
			b.openUntil = b.now().Add(b.cooldown)
		}
	case BreakerHalfOpen:
		b.failures++
		b.cooldown = min(b.cooldown*2, BreakerMaxCooldown)
		b.state = BreakerOpen
		b.openUntil = b.now().Add(b.cooldown)
		b.probing = false
	}
}

// reset returns the circuit to half-open so the next call probes the provider
// immediately, with the base cooldown restored. Half-open rather than closed:
// an operator reset is a request to retry, not a claim that the provider is
// healthy.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerHalfOpen
	b.failures = 0
	b.cooldown = BreakerBaseCooldown
	b.openUntil = time.Time{}
	b.probing = false
}

func (b *breaker) snapshot() (BreakerState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures
}
