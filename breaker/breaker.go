// Package breaker implements the process-wide circuit breaker guarding the
// upstream service.
package breaker

import (
	"sync"
	"time"

	"github.com/flockgate/flockgate/log"
)

// State of the breaker.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	defaultThreshold   = 15
	defaultOpenTimeout = time.Minute
)

// Breaker is a three-state switch. Failures accumulate while CLOSED and trip
// it OPEN at the threshold; successes bleed the count back toward zero.
// After the open timeout a single trial dispatch decides between reopening
// and closing.
type Breaker struct {
	threshold   int
	openTimeout time.Duration

	mu            sync.Mutex
	state         State
	failureCount  int
	openedAt      time.Time
	trialInFlight bool
}

// New creates a closed breaker. Non-positive arguments fall back to the
// defaults (15 failures, 60s open).
func New(threshold int, openTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	return &Breaker{
		threshold:   threshold,
		openTimeout: openTimeout,
		state:       StateClosed,
	}
}

// Allow reports whether a dispatch may proceed. While OPEN everything is
// refused until the open timeout elapses; then exactly one trial passes and
// the breaker waits for its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.openTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		log.Infof("breaker: open timeout elapsed; allowing one trial dispatch")
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

// OnResult feeds one dispatch outcome back into the breaker.
func (b *Breaker) OnResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.state = StateClosed
			b.failureCount = 0
			log.Infof("breaker: trial dispatch succeeded; closing")
			return
		}
		b.state = StateOpen
		b.openedAt = time.Now()
		log.Errorf("breaker: trial dispatch failed; reopening for %s", b.openTimeout)
	case StateClosed:
		if success {
			if b.failureCount > 0 {
				b.failureCount--
			}
			return
		}
		b.failureCount++
		if b.failureCount >= b.threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			log.Errorf("breaker: %d upstream failures; refusing dispatches for %s", b.failureCount, b.openTimeout)
		}
	default:
		// outcomes of dispatches admitted before the trip are ignored
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.openTimeout {
		return StateHalfOpen
	}
	return b.state
}

// FailureCount returns the accumulated failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
