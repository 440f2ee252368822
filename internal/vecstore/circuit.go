package vecstore

import (
	"sync"
	"time"
)

// HealthState is the health machine for the active index:
// Unknown → Healthy ⇄ Unhealthy; Unhealthy → CircuitOpen after the failure
// threshold; CircuitOpen → Unknown once the cool-down expires.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthUnhealthy
	HealthCircuitOpen
)

// String returns the string representation of the health state.
func (s HealthState) String() string {
	switch s {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthCircuitOpen:
		return "circuit-open"
	default:
		return "invalid"
	}
}

// breaker tracks consecutive health-check failures against the currently
// selected index. It is owned by the Client and mutated only from the
// Client's own call path.
type breaker struct {
	mu sync.Mutex

	state     HealthState
	failures  int
	openUntil time.Time

	threshold int
	cooldown  time.Duration
	now       func() time.Time // injectable clock for tests
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		state:     HealthUnknown,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// allow reports whether a call may proceed. While the circuit is open it
// fails fast without a network attempt; once the cool-down expires the state
// drops back to Unknown and one attempt is let through.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != HealthCircuitOpen {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	b.state = HealthUnknown
	b.openUntil = time.Time{}
	return true
}

// success records a health-check success: the circuit closes immediately and
// the failure counter resets.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = HealthHealthy
	b.failures = 0
	b.openUntil = time.Time{}
}

// failure records a health-check failure. Opening the circuit always sets a
// concrete reopen deadline.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold {
		b.state = HealthCircuitOpen
		b.openUntil = b.now().Add(b.cooldown)
		return
	}
	b.state = HealthUnhealthy
}

// reset clears all health state. A newly selected index has no history.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = HealthUnknown
	b.failures = 0
	b.openUntil = time.Time{}
}

// currentState returns the state, downgrading an expired open circuit to
// Unknown so observers never see a stale open.
func (b *breaker) currentState() HealthState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HealthCircuitOpen && !b.now().Before(b.openUntil) {
		return HealthUnknown
	}
	return b.state
}
