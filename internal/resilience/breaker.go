// Package resilience guards calls to the terminal bridge with a circuit breaker.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	// Failures is the number of consecutive failures that opens the breaker.
	// Zero disables the breaker.
	Failures int
	// Cooldown is how long the breaker stays open before one trial call.
	Cooldown time.Duration
	// Successes is the number of trial successes that close it again.
	Successes int
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		Failures:  5,
		Cooldown:  30 * time.Second,
		Successes: 1,
	}
}

// Breaker counts consecutive failures of a single dependency.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	rejected  int64
	onChange  func(name string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnStateChange registers a callback run on every transition. It is
// called with the breaker lock held and must not call back into it.
func OnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	if cfg.Successes <= 0 {
		cfg.Successes = 1
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now, state: StateClosed}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and lets the call through.
func (b *Breaker) Allow() error {
	if b == nil || b.cfg.Failures <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.rejected++
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	if b == nil || b.cfg.Failures <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.Successes {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	if b == nil || b.cfg.Failures <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.Failures {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil && from != to {
		b.onChange(b.name, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejected returns how many calls Allow has refused.
func (b *Breaker) Rejected() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}
