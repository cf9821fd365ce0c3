// Package circuit provides a circuit breaker that keeps a failing telemetry
// sink from slowing down the mining loop.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/gomp-miner/pkg/errors"
)

// ErrOpen is returned (wrapped) when the breaker rejects a call
var ErrOpen = stderrors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected without running
	StateOpen
	// StateHalfOpen - trial calls are let through to probe recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	MaxFailures     int           // consecutive-ish failures before opening
	SuccessRequired int           // successes in half-open before closing
	Timeout         time.Duration // time spent open before probing
	ResetTimeout    time.Duration // failure count decay window while closed
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// SinkConfig trips faster and probes sooner; a dead sink should cost the
// miner as little as possible.
func SinkConfig() *Config {
	return &Config{
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}
}

// StateChangeFunc is invoked (outside the lock) whenever the breaker moves state
type StateChangeFunc func(name string, from, to State)

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name     string
	config   *Config
	onChange StateChangeFunc
	now      func() time.Time

	mu            sync.RWMutex
	state         State
	failures      int
	successes     int
	rejected      uint64
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker named after the resource it guards
func New(name string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		name:          name,
		config:        config,
		now:           time.Now,
		state:         StateClosed,
		lastResetTime: time.Now(),
	}
}

// OnStateChange registers a callback for state transitions
func (cb *Breaker) OnStateChange(fn StateChangeFunc) *Breaker {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
	return cb
}

// Name returns the guarded resource name
func (cb *Breaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker is open
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn unless the breaker is open and returns its result
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if !cb.allow() {
		return zero, errors.Wrap(ErrOpen, errors.ErrorTypeInternal, "circuit_breaker", cb.name).
			WithContext("state", cb.State().String())
	}

	result, err := fn()
	cb.record(err)

	return result, err
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()

	now := cb.now()
	from := cb.state
	allowed := false

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true

	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			allowed = true
		} else {
			cb.rejected++
		}

	case StateHalfOpen:
		allowed = true
	}

	notify := cb.transition(from)
	cb.mu.Unlock()
	notify()

	return allowed
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()

	from := cb.state
	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()

		switch {
		case cb.state == StateClosed && cb.failures >= cb.config.MaxFailures:
			cb.state = StateOpen
			cb.successes = 0
		case cb.state == StateHalfOpen:
			cb.state = StateOpen
			cb.successes = 0
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.lastResetTime = cb.now()
		}
	}

	notify := cb.transition(from)
	cb.mu.Unlock()
	notify()
}

// transition must be called with mu held; the returned func runs the callback
func (cb *Breaker) transition(from State) func() {
	to := cb.state
	fn := cb.onChange
	if from == to || fn == nil {
		return func() {}
	}
	name := cb.name
	return func() { fn(name, from, to) }
}

// State returns the current state of the circuit breaker
func (cb *Breaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	Rejected     uint64
	LastFailTime time.Time
}

// Stats returns a snapshot of the breaker counters
func (cb *Breaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		Name:         cb.name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		Rejected:     cb.rejected,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset manually closes the breaker
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastResetTime = cb.now()
	notify := cb.transition(from)
	cb.mu.Unlock()
	notify()
}
