// Package circuitbreaker shields collaborator calls from sustained
// outages. Retry absorbs a single transient fault; the breaker stops
// dialing a collaborator that keeps failing and tries it again after
// a cool-off instead of stalling every request on a dead dependency.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cati-dispatcher/internal/logging"
)

// ErrCircuitOpen reports a short-circuited call: the collaborator is
// presumed down and the operation was not attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests reports that the half-open trial slots are taken;
// the caller should treat the collaborator as still unavailable.
var ErrTooManyRequests = errors.New("circuit breaker is rechecking the collaborator")

// State is the breaker's position.
type State int

const (
	// StateClosed passes calls through normally.
	StateClosed State = iota
	// StateOpen fails calls immediately without invoking them.
	StateOpen
	// StateHalfOpen lets a bounded number of trial calls through to
	// test whether the collaborator has recovered.
	StateHalfOpen
)

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

// Config tunes one breaker.
type Config struct {
	// Name identifies the guarded collaborator in logs.
	Name string
	// MaxFailures is the consecutive-failure count that opens the
	// breaker. Each failure here is a whole operation, retries
	// included, so the threshold stays small.
	MaxFailures int
	// CoolOff is how long the breaker stays open before a trial call.
	CoolOff time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.CoolOff <= 0 {
		c.CoolOff = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	ConsecutiveFails int    `json:"consecutiveFails"`
	TotalCalls       int64  `json:"totalCalls"`
	TotalFailures    int64  `json:"totalFailures"`
	TotalRejected    int64  `json:"totalRejected"`
}

// CircuitBreaker guards one collaborator. The zero value is not
// usable; construct with New.
type CircuitBreaker struct {
	config Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	halfOpenCalls    int
	openedAt         time.Time

	totalCalls    int64
	totalFailures int64
	totalRejected int64
}

// New creates a breaker in the closed state.
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{config: config.withDefaults(), state: StateClosed}
}

// Execute runs fn under the breaker. When the breaker is open the
// function is not invoked and ErrCircuitOpen is returned; while
// half-open, calls beyond the trial bound get ErrTooManyRequests.
// Any other error is fn's own, passed through after being counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeCall(ctx); err != nil {
		return err
	}

	err := fn()
	cb.afterCall(ctx, err == nil)
	return err
}

// State reports the breaker's current position, advancing an expired
// open state to half-open first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// Snapshot returns current counters for diagnostics.
func (cb *CircuitBreaker) Snapshot() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.config.Name,
		State:            cb.state.String(),
		ConsecutiveFails: cb.consecutiveFails,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		TotalRejected:    cb.totalRejected,
	}
}

// Reset returns the breaker to closed with the failure count cleared.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.halfOpenCalls = 0
}

func (cb *CircuitBreaker) beforeCall(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.maybeHalfOpen()

	switch cb.state {
	case StateOpen:
		cb.totalRejected++
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			cb.totalRejected++
			return ErrTooManyRequests
		}
		cb.halfOpenCalls++
	}

	cb.totalCalls++
	return nil
}

func (cb *CircuitBreaker) afterCall(ctx context.Context, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}

	if success {
		if cb.state == StateHalfOpen {
			logging.FromContext(ctx).WithField("breaker", cb.config.Name).
				Info("Collaborator recovered, closing circuit breaker")
		}
		cb.state = StateClosed
		cb.consecutiveFails = 0
		return
	}

	cb.totalFailures++
	cb.consecutiveFails++

	if cb.state == StateHalfOpen || cb.consecutiveFails >= cb.config.MaxFailures {
		if cb.state != StateOpen {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"breaker":          cb.config.Name,
				"consecutiveFails": cb.consecutiveFails,
			}).Warn("Opening circuit breaker after sustained collaborator failures")
		}
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.halfOpenCalls = 0
	}
}

// maybeHalfOpen moves an open breaker whose cool-off expired to
// half-open. Caller holds the lock.
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.config.CoolOff {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
	}
}
