package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
//
//	Closed -> Open:     consecutive failures reach MaxFailures, or the
//	                    downstream asked for a backoff (OpenFor)
//	Open -> HalfOpen:   the open period elapsed
//	HalfOpen -> Closed: probe succeeded
//	HalfOpen -> Open:   probe failed
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig contains circuit breaker configuration.
type BreakerConfig struct {
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// DefaultBreakerConfig returns default circuit breaker configuration.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker stops calls to a failing downstream until it recovers.
type CircuitBreaker struct {
	mu     sync.Mutex
	config BreakerConfig
	now    func() time.Time

	state            BreakerState
	failureCount     int
	openUntil        time.Time
	halfOpenRequests int
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	defaults := DefaultBreakerConfig(config.Name)
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	recordBreakerState(config.Name, BreakerClosed)

	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  BreakerClosed,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if !cb.now().Before(cb.openUntil) {
			cb.transitionTo(BreakerHalfOpen)
			cb.halfOpenRequests = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	if cb.state == BreakerHalfOpen {
		cb.transitionTo(BreakerClosed)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transitionTo(BreakerOpen)
	}
}

// RecordIgnored records a call whose error says nothing about the downstream's
// health, such as a rejected recipient. A half-open probe slot is released
// without closing the circuit.
func (cb *CircuitBreaker) RecordIgnored() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

// OpenFor opens the circuit for at least d, or RecoveryTimeout if longer.
func (cb *CircuitBreaker) OpenFor(d time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(BreakerOpen)
	if until := cb.now().Add(d); until.After(cb.openUntil) {
		cb.openUntil = until
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// must be called with cb.mu held
func (cb *CircuitBreaker) transitionTo(state BreakerState) {
	if cb.state == state {
		return
	}

	slog.Info("circuit breaker state changed",
		"name", cb.config.Name,
		"from", cb.state.String(),
		"to", state.String(),
		"failures", cb.failureCount,
	)

	cb.state = state
	cb.halfOpenRequests = 0
	if state == BreakerOpen {
		cb.openUntil = cb.now().Add(cb.config.RecoveryTimeout)
	}
	recordBreakerState(cb.config.Name, state)
}

// ProtectedPersonalChannel wraps a PersonalChannel with a CircuitBreaker.
// Non-retryable errors (e.g. one revoked recipient) do not count as failures
// of the downstream service. A rate limit response with a retry delay pauses
// all sends for that long.
type ProtectedPersonalChannel struct {
	channel PersonalChannel
	breaker *CircuitBreaker
}

// NewProtectedPersonalChannel creates a circuit-breaker protected channel.
func NewProtectedPersonalChannel(channel PersonalChannel, breaker *CircuitBreaker) *ProtectedPersonalChannel {
	return &ProtectedPersonalChannel{channel: channel, breaker: breaker}
}

// Send sends msg unless the circuit is open.
func (p *ProtectedPersonalChannel) Send(ctx context.Context, identity string, msg Message) error {
	if !p.breaker.Allow() {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.channel.Send(ctx, identity, msg)
	if err == nil {
		p.breaker.RecordSuccess()
		return nil
	}

	if delay := retryDelay(err); delay > 0 {
		slog.Warn("personal channel rate limited, pausing sends",
			"name", p.breaker.config.Name,
			"retry_after", delay,
		)
		p.breaker.OpenFor(delay)
		return err
	}
	if isRetryable(err) {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordIgnored()
	}
	return err
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedPersonalChannel) Breaker() *CircuitBreaker {
	return p.breaker
}
