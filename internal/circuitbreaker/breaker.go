// Package circuitbreaker guards calls to the payment provider. Each provider
// operation gets its own circuit so a failing transfers endpoint does not
// block escrow captures.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute when the circuit rejects the call. The
// wrapped operation was not attempted.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
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
	Namespace: "bountypay",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by operation, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key and trips open at the
// threshold. After openDuration one probe is let through (half-open); its
// result closes or re-opens the circuit.
type Breaker struct {
	mu           sync.Mutex
	circuits     map[string]*circuit
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// New creates a circuit breaker that opens after threshold consecutive
// failures and stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		circuits:     make(map[string]*circuit),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Execute runs fn if the circuit for key allows it. countable decides which
// errors count as provider failures; a declined card is the caller's
// problem and should not trip the circuit. Nil countable counts every error.
func (b *Breaker) Execute(key string, fn func() error, countable func(error) bool) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return err
}

// Allow reports whether a call for key may proceed. An open circuit whose
// openDuration has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.openDuration {
			b.transition(c, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, key, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failure, tripping the circuit at the threshold or
// immediately when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}

	c.failures++
	c.lastFailure = b.now()

	switch {
	case c.state == StateHalfOpen:
		b.transition(c, key, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.transition(c, key, StateOpen)
	}
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// OpenKeys lists keys whose circuit is currently not closed.
func (b *Breaker) OpenKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for k, c := range b.circuits {
		if c.state != StateClosed {
			keys = append(keys, k)
		}
	}
	return keys
}

// Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, key string, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	stateTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}
