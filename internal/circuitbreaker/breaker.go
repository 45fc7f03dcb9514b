// Package circuitbreaker stops a client from hammering a server that keeps
// failing. After a run of consecutive failures the circuit opens and calls
// fail fast; once the cool-down passes a single probe is let through.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the circuit is open.
var ErrOpen = errors.New("circuit open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards one upstream.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	threshold int
	coolDown  time.Duration
	now       func() time.Time
	onChange  func(from, to State)
}

// New returns a breaker that opens after threshold consecutive failures and
// probes again after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, coolDown: coolDown, now: time.Now}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnChange registers fn to run synchronously on every state change.
func (b *Breaker) OnChange(fn func(from, to State)) *Breaker {
	b.onChange = fn
	return b
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. An open circuit whose cool-down
// has passed moves to half-open and admits exactly one caller.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.setState(HalfOpen)
		return true
	case HalfOpen:
		return false
	}
	return true
}

// Success closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setState(Closed)
}

// Failure counts a failed call, opening the circuit at the threshold or when
// a half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.setState(Open)
	}
}

// Do runs fn when allowed. isFailure decides which errors count against the
// upstream; a nil isFailure counts every non-nil error.
func (b *Breaker) Do(fn func() error, isFailure func(error) bool) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (isFailure == nil || isFailure(err)) {
		b.Failure()
	} else {
		b.Success()
	}
	return err
}

// caller holds b.mu
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
