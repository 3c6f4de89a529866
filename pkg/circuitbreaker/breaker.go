// Package circuitbreaker stops calls to a dependency after repeated failures
// and probes it again once a cool-down has passed.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe slots are taken.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings for circuit breaker behavior
type Settings struct {
	// MaxRequests is the number of concurrent probes allowed while half-open.
	MaxRequests uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// SuccessThreshold consecutive probe successes close it again.
	SuccessThreshold uint32
	// OnStateChange runs synchronously under the breaker lock.
	OnStateChange func(name string, from, to State)
}

func DefaultSettings() Settings {
	return Settings{
		MaxRequests:      1,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu          sync.Mutex
	state       State
	consecFail  uint32
	consecSucc  uint32
	halfOpenIn  uint32
	openedUntil time.Time
	lastErr     error
}

func NewCircuitBreaker(name string, settings Settings) *CircuitBreaker {
	d := DefaultSettings()
	if settings.MaxRequests == 0 {
		settings.MaxRequests = d.MaxRequests
	}
	if settings.Timeout <= 0 {
		settings.Timeout = d.Timeout
	}
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = d.FailureThreshold
	}
	if settings.SuccessThreshold == 0 {
		settings.SuccessThreshold = d.SuccessThreshold
	}
	return &CircuitBreaker{name: name, settings: settings, now: time.Now}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state, moving open to half-open once the
// timeout has passed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.current(cb.now())
}

// LastError is the failure that most recently counted against the breaker.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastErr
}

// Allow reserves a call. The returned done func must be called exactly once
// with whether the call counts as a failure.
func (cb *CircuitBreaker) Allow() (done func(failed bool, err error), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.current(cb.now()) {
	case StateOpen:
		return nil, ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenIn >= cb.settings.MaxRequests {
			return nil, ErrTooManyRequests
		}
		cb.halfOpenIn++
		return func(failed bool, err error) { cb.record(true, failed, err) }, nil
	}
	return func(failed bool, err error) { cb.record(false, failed, err) }, nil
}

// Execute runs fn when the breaker allows it. Every non-nil error counts.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	done, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	done(err != nil, err)
	return err
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecFail, cb.consecSucc, cb.halfOpenIn = 0, 0, 0
	cb.setState(StateClosed)
}

func (cb *CircuitBreaker) record(probe, failed bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()
	if probe && cb.halfOpenIn > 0 {
		cb.halfOpenIn--
	}

	if !failed {
		cb.consecFail = 0
		cb.consecSucc++
		if cb.state == StateHalfOpen && cb.consecSucc >= cb.settings.SuccessThreshold {
			cb.consecSucc = 0
			cb.setState(StateClosed)
		}
		return
	}

	cb.lastErr = err
	cb.consecSucc = 0
	cb.consecFail++
	if cb.state == StateHalfOpen || cb.consecFail >= cb.settings.FailureThreshold {
		cb.openedUntil = now.Add(cb.settings.Timeout)
		cb.consecFail = 0
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) current(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.openedUntil) {
		cb.halfOpenIn = 0
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, from, to)
	}
}
