// Package resilience protects the orchestrator from misbehaving collaborator
// services.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open). Once a service has failed MaxFailures times in
// a row, calls are rejected locally with [ErrCircuitOpen] until ResetTimeout
// has passed, so a dead service costs one fast local failure per utterance
// instead of a full network timeout. [Group] puts a breaker in front of each
// of several equivalent endpoints and fails over between them.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected with [ErrCircuitOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and metrics, usually the collaborator
	// ("stt", "answer", ...).
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed in the half-open
	// state to close the breaker. Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the service. Defaults
	// to [CountsAsFailure].
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every state transition. It runs
	// with the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// CountsAsFailure is the default failure classifier. Cancellation by the
// caller (a participant leaving mid-call) says nothing about the service and
// is not counted; deadline expiry is.
func CountsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int // in-flight half-open probes
	probeSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = CountsAsFailure
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
		state:         StateClosed,
	}
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow asks for permission to make one call. On success it returns a report
// function that must be called exactly once with the call's outcome. When the
// breaker rejects the call it returns [ErrCircuitOpen].
//
// Allow is the building block for calls whose outcome is only known later,
// such as a streamed response; [CircuitBreaker.Execute] covers the simple
// case.
func (cb *CircuitBreaker) Allow() (report func(error), err error) {
	cb.mu.Lock()
	var transition func()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		transition = cb.setState(StateHalfOpen)
		cb.probes = 0
		cb.probeSuccesses = 0
	case StateHalfOpen:
		if cb.probes+cb.probeSuccesses >= cb.halfOpenMax {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
	}
	probe := cb.state == StateHalfOpen
	if probe {
		cb.probes++
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}

	var once sync.Once
	return func(callErr error) {
		once.Do(func() { cb.record(probe, callErr) })
	}, nil
}

// Execute runs fn if the breaker allows it. fn receives ctx unchanged. A
// context that is already done is returned as-is without consulting the
// breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	report, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	report(err)
	return err
}

func (cb *CircuitBreaker) record(probe bool, callErr error) {
	cb.mu.Lock()
	failed := cb.isFailure(callErr)
	var transition func()

	switch {
	case probe && failed:
		cb.probes--
		cb.openedAt = cb.now()
		transition = cb.setState(StateOpen)
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name, "err", callErr)
	case probe:
		cb.probes--
		if callErr == nil {
			cb.probeSuccesses++
		}
		if cb.state == StateHalfOpen && cb.probeSuccesses >= cb.halfOpenMax {
			cb.consecutiveFail = 0
			transition = cb.setState(StateClosed)
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
	case failed:
		cb.consecutiveFail++
		if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
			cb.openedAt = cb.now()
			transition = cb.setState(StateOpen)
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.consecutiveFail,
				"err", callErr)
		}
	case callErr == nil:
		cb.consecutiveFail = 0
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// setState changes the state and returns the hook invocation to run once the
// lock is released. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	cb.state = to
	if cb.onStateChange == nil || from == to {
		return nil
	}
	return func() { cb.onStateChange(cb.name, from, to) }
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.consecutiveFail = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	transition := cb.setState(StateClosed)
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
