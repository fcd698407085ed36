// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions. The event bus uses it to
// stop hammering an unreachable broker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker trips a key open after threshold consecutive failures. After
// openDuration the key moves to half-open and lets one probe through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock replaces the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition sets a callback invoked synchronously on state changes,
// outside the breaker's lock.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// Do runs fn if key's circuit admits it and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// Allow reports whether a request to key should proceed. An open circuit
// whose openDuration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return true
	}

	var allowed bool
	var fire func()
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			fire = b.transition(e, key, StateHalfOpen)
			allowed = true
		}
	case StateHalfOpen:
		allowed = false
	default:
		allowed = true
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	var fire func()
	if e.state == StateHalfOpen {
		fire = b.transition(e, key, StateClosed)
	}
	e.failures = 0
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// RecordFailure counts a failure, tripping the circuit at the threshold.
// A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	var fire func()
	switch {
	case e.state == StateHalfOpen:
		fire = b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		fire = b.transition(e, key, StateOpen)
	}
	b.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// State returns the current state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// transition changes state and returns the callback to fire once the lock
// is released. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) func() {
	from := e.state
	if from == to {
		return nil
	}
	e.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	if fn := b.onTransition; fn != nil {
		return func() { fn(key, from, to) }
	}
	return nil
}
