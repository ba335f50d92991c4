package streaming

import (
	"sync"
	"time"

	"github.com/marketfeed/core/internal/clock"
)

// breakerState is the circuit's own two-state model (open/closed); the
// "half-open, single trial connect" behavior is just Allow() returning
// true again once openUntil has elapsed, since a failed trial reopens
// the circuit for another full duration via RecordFailure.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
)

// breaker is a hand-rolled circuit breaker: no third-party circuit
// breaker library fits here (see DESIGN.md), so it follows a plain
// state-plus-mutex pattern.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	openUntil time.Time

	threshold int
	duration  time.Duration
	clock     clock.Clock
}

func newBreaker(threshold int, duration time.Duration, c clock.Clock) *breaker {
	return &breaker{threshold: threshold, duration: duration, clock: c}
}

// Allow reports whether a connect attempt may proceed. Once the open
// duration elapses it returns true on every call until the next
// RecordSuccess or RecordFailure; the failure count is not reset, so
// one more failure reopens the circuit and a RecordSuccess closes it.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerClosed {
		return true
	}
	if b.clock.Now().Before(b.openUntil) {
		return false
	}
	return true
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.state = breakerOpen
		b.openUntil = b.clock.Now().Add(b.duration)
	}
}
