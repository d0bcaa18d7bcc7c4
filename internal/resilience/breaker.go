// Package resilience provides a circuit breaker and sink failover.
//
// [Breaker] is a three-state breaker (closed, open, half-open) that stops
// calling a failing dependency for a cooldown period. [SinkFallback] combines
// several playback sinks, each behind its own breaker, so that a broken output
// device is bypassed in favour of the next configured sink.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the state name used in logs.
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

// Breaker defaults.
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 30 * time.Second
	DefaultTrials      = 1
)

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults above.
type BreakerConfig struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Trials is the number of successful half-open calls needed to close.
	Trials int

	// Ignore reports errors that say nothing about the dependency's health,
	// such as a malformed request. They are returned to the caller but
	// neither count as failures nor reset the failure streak.
	Ignore func(error) bool

	// Now replaces the clock. Used in tests.
	Now func() time.Time
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	trials      int
	ignore      func(error) bool
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // trial calls admitted in the current half-open phase
	passed   int // trial calls that succeeded
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		trials:      cfg.Trials,
		ignore:      cfg.Ignore,
		now:         cfg.Now,
	}
	if b.maxFailures <= 0 {
		b.maxFailures = DefaultMaxFailures
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	if b.trials <= 0 {
		b.trials = DefaultTrials
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Do runs fn unless the breaker is open, and records its outcome. It returns
// [ErrOpen] without calling fn while calls are rejected.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(trial, err)
	return err
}

func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.setState(StateHalfOpen)
		b.inFlight, b.passed = 0, 0
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.trials {
			return false, ErrOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.ignore != nil && b.ignore(err) {
		if trial && b.state == StateHalfOpen {
			b.inFlight--
		}
		return
	}
	if err != nil {
		b.failures++
		if trial || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
		return
	}

	b.failures = 0
	if trial && b.state == StateHalfOpen {
		b.passed++
		if b.passed >= b.trials {
			b.setState(StateClosed)
		}
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	from := b.state
	b.state = s
	if s == StateOpen {
		slog.Warn("resilience: circuit opened", "name", b.name, "from", from.String(), "consecutive_failures", b.failures)
		return
	}
	slog.Info("resilience: circuit state changed", "name", b.name, "from", from.String(), "to", s.String())
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}
