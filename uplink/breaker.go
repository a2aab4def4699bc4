package uplink

import (
	"sync"
	"time"

	"github.com/pkgvault/pkgvault/metrics"
)

// breakerState is the circuit breaker's state machine: closed lets every
// call through, open fails calls fast, half-open lets exactly one probe
// call through to decide whether to close again.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker implements the per-uplink circuit breaker SPEC_FULL §4.3
// describes: after maxFails consecutive failures within failWindow, the
// breaker opens and fails fast for failTimeout before allowing one
// half-open probe through.
type breaker struct {
	name        string
	maxFails    int
	failWindow  time.Duration
	failTimeout time.Duration

	mu           sync.Mutex
	state        breakerState
	failures     int
	windowStart  time.Time
	openedAt     time.Time
	probeInFlight bool
}

func newBreaker(name string, maxFails int, failWindow, failTimeout time.Duration) *breaker {
	if maxFails <= 0 {
		maxFails = 5
	}
	if failWindow <= 0 {
		failWindow = 30 * time.Second
	}
	if failTimeout <= 0 {
		failTimeout = 60 * time.Second
	}
	return &breaker{name: name, maxFails: maxFails, failWindow: failWindow, failTimeout: failTimeout}
}

// allow reports whether a call may proceed right now. When it returns true
// for a half-open probe, the caller MUST report the outcome via recordSuccess
// or recordFailure so the breaker can close or re-open.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) < b.failTimeout {
			return false
		}
		b.state = stateHalfOpen
		b.probeInFlight = true
		metrics.UplinkBreakerTransitions.WithValues(b.name, "half_open").Inc(1)
		return true
	case stateHalfOpen:
		// Only one probe is allowed in flight at a time; concurrent
		// callers fail fast until the probe resolves.
		return false
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.state != stateClosed
	b.state = stateClosed
	b.failures = 0
	b.probeInFlight = false
	if wasOpen {
		metrics.UplinkBreakerTransitions.WithValues(b.name, "closed").Inc(1)
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = time.Now()
		b.probeInFlight = false
		metrics.UplinkBreakerTransitions.WithValues(b.name, "open").Inc(1)
		return
	}

	now := time.Now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.failWindow {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++

	if b.failures >= b.maxFails {
		b.state = stateOpen
		b.openedAt = now
		metrics.UplinkBreakerTransitions.WithValues(b.name, "open").Inc(1)
	}
}
