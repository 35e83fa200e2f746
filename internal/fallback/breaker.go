package fallback

import (
	"sync"
	"time"

	"github.com/aigateway/core/internal/clock"
)

// breakerState names one of the three circuit breaker states.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// circuitBreaker tracks upstream health for a single provider. It opens
// after FailureThreshold consecutive trip-worthy failures, stays open for
// Cooldown, then allows exactly one half-open trial: success closes it,
// failure reopens it and restarts the cooldown.
type circuitBreaker struct {
	mu sync.Mutex

	clock clock.Clock

	failureThreshold int
	cooldown         time.Duration

	state       breakerState
	failures    int
	openedAt    time.Time
	halfOpenTry bool
}

func newCircuitBreaker(c clock.Clock, failureThreshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{clock: c, failureThreshold: failureThreshold, cooldown: cooldown, state: stateClosed}
}

// allow reports whether a call may currently be attempted against this
// provider, transitioning open->half-open when the cooldown has elapsed.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.cooldown {
			b.state = stateHalfOpen
			b.halfOpenTry = false
			return true
		}
		return false
	case stateHalfOpen:
		if b.halfOpenTry {
			return false
		}
		b.halfOpenTry = true
		return true
	default:
		return false
	}
}

// recordSuccess closes the breaker and resets its failure count.
func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.halfOpenTry = false
}

// recordFailure counts a trip-worthy failure, opening the breaker once the
// threshold is reached (or immediately, from half-open).
func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.clock.Now()
		b.halfOpenTry = false
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = stateOpen
		b.openedAt = b.clock.Now()
	}
}

// breakerRegistry holds one circuitBreaker per provider id, created lazily.
type breakerRegistry struct {
	mu               sync.Mutex
	clock            clock.Clock
	failureThreshold int
	cooldown         time.Duration
	breakers         map[string]*circuitBreaker
}

func newBreakerRegistry(c clock.Clock, failureThreshold int, cooldown time.Duration) *breakerRegistry {
	return &breakerRegistry{clock: c, failureThreshold: failureThreshold, cooldown: cooldown, breakers: make(map[string]*circuitBreaker)}
}

func (r *breakerRegistry) get(providerID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[providerID]
	if !ok {
		b = newCircuitBreaker(r.clock, r.failureThreshold, r.cooldown)
		r.breakers[providerID] = b
	}
	return b
}
