// Package resilience holds the failure-isolation policies wrapped around
// upstream broker calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrCircuitOpen = errors.New("circuit open")

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

type BreakerConfig struct {
	Name             string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every error except caller cancellation.
	IsFailure func(error) bool
	// OnStateChange is called with the breaker lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker is a consecutive-failure breaker. While open it rejects calls
// until RecoveryTimeout has elapsed since the last failure, then admits exactly
// one trial call.
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger *logrus.Entry
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

func NewCircuitBreaker(cfg BreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger.WithFields(logrus.Fields{"component": "breaker", "breaker": cfg.Name}),
		now:    time.Now,
	}
}

// State returns the effective state. An open breaker whose recovery timeout
// has elapsed reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Ready reports whether a call made now would be admitted. It does not
// consume the half-open trial.
func (cb *CircuitBreaker) Ready() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout
	default:
		return !cb.trialInFlight
	}
}

// Execute runs fn if the breaker admits it and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	var from, to State
	changed := false

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from, to, changed = cb.state, StateHalfOpen, true
		cb.state = StateHalfOpen
		cb.trialInFlight = true
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil && cb.cfg.IsFailure(err)

	cb.mu.Lock()
	from := cb.state
	switch {
	case cb.state == StateHalfOpen:
		cb.trialInFlight = false
		if failed {
			cb.state = StateOpen
			cb.lastFailure = cb.now()
		} else if err == nil {
			cb.state = StateClosed
			cb.failures = 0
		}
		// A non-counting error (cancelled trial) leaves the breaker half-open
		// for another trial.
	case failed:
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
		}
	case err == nil:
		cb.failures = 0
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if from != to {
		cb.logger.WithFields(logrus.Fields{
			"from":     from.String(),
			"to":       to.String(),
			"failures": failures,
		}).Warn("Circuit breaker state changed")
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
