// Package breaker isolates the platform API behind a three-state circuit breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
	"github.com/vietddude/adsync/internal/metrics"
)

const (
	DefaultThreshold = 5
	DefaultTimeout   = 60 * time.Second
)

// State mirrors the breaker state with stable string values.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures a CircuitBreaker.
type Config struct {
	Name      string        `yaml:"name"`
	Threshold int           `yaml:"threshold" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout"   validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "platform-api"
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Snapshot is a read-only view of the breaker.
type Snapshot struct {
	Name            string        `json:"name"`
	State           State         `json:"state"`
	Failures        int           `json:"failures"`
	Threshold       int           `json:"threshold"`
	Timeout         time.Duration `json:"timeout"`
	LastFailureTime time.Time     `json:"last_failure_time,omitempty"`
	OpenedAt        time.Time     `json:"opened_at,omitempty"`
}

// CircuitBreaker wraps gobreaker with the manual CanExecute/Record API used by
// callers that gate work themselves.
type CircuitBreaker struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	cb           *gobreaker.CircuitBreaker[any]
	failures     int
	lastFailure  time.Time
	openedAt     time.Time
	probeGranted bool
}

// New creates a breaker in the closed state.
func New(cfg Config, log *slog.Logger) *CircuitBreaker {
	if log == nil {
		log = slog.Default()
	}
	b := &CircuitBreaker{
		cfg: cfg.withDefaults(),
		log: log.With("component", "breaker"),
	}
	b.cb = b.newGoBreaker()
	metrics.CircuitBreakerState.WithLabelValues(b.cfg.Name).Set(0)
	return b
}

func (b *CircuitBreaker) newGoBreaker() *gobreaker.CircuitBreaker[any] {
	threshold := uint32(b.cfg.Threshold)
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     b.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: b.onStateChange,
	})
}

// onStateChange runs inside gobreaker's lock; it must not call back into cb.
func (b *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	fromState, toState := convertState(from), convertState(to)

	b.mu.Lock()
	b.probeGranted = false
	switch to {
	case gobreaker.StateOpen:
		b.openedAt = time.Now()
	case gobreaker.StateClosed:
		b.failures = 0
		b.openedAt = time.Time{}
	}
	b.mu.Unlock()

	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
	metrics.CircuitBreakerTransitions.WithLabelValues(name, string(fromState), string(toState)).Inc()

	if to == gobreaker.StateOpen {
		b.log.Warn("Circuit breaker opened", "name", name, "from", fromState, "cooldown", b.cfg.Timeout)
		return
	}
	b.log.Info("Circuit breaker state changed", "name", name, "from", fromState, "to", toState)
}

// Execute runs fn through the breaker. A rejected call fails fast with
// apierr.ErrCircuitOpen and fn is not invoked.
func (b *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	v, err := cb.Execute(fn)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%s: %w", b.cfg.Name, apierr.ErrCircuitOpen)
	case countsAsFailure(err):
		b.noteFailure()
	case err == nil:
		b.noteSuccess()
	}
	return v, err
}

// countsAsFailure excludes outcomes that say nothing about platform health:
// caller cancellation and local admission rejections.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, apierr.ErrQueueFull),
		errors.Is(err, apierr.ErrQueueTimeout),
		errors.Is(err, apierr.ErrLimiterStopped):
		return false
	}
	return true
}

// CanExecute reports whether a call may proceed. While half-open it returns true
// once per half-open period.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	// State() may itself move open to half-open, which takes b.mu in onStateChange.
	state := cb.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch state {
	case gobreaker.StateClosed:
		return true
	case gobreaker.StateHalfOpen:
		if b.probeGranted {
			return false
		}
		b.probeGranted = true
		return true
	default:
		return false
	}
}

// RecordSuccess records an outcome observed outside Execute.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	// Ignored while open: only a probe can close the breaker.
	if _, err := cb.Execute(func() (any, error) { return nil, nil }); err == nil {
		b.noteSuccess()
	}
}

// errRecordedFailure marks failures reported through RecordFailure.
var errRecordedFailure = errors.New("recorded failure")

// RecordFailure records an outcome observed outside Execute.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	_, _ = cb.Execute(func() (any, error) { return nil, errRecordedFailure })
	b.noteFailure()
}

func (b *CircuitBreaker) noteFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = time.Now()
	b.mu.Unlock()
}

func (b *CircuitBreaker) noteSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// State returns the current state, moving open to half-open once the timeout passed.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	return convertState(cb.State())
}

// Failures returns the consecutive failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Snapshot returns the breaker state for status endpoints.
func (b *CircuitBreaker) Snapshot() Snapshot {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:            b.cfg.Name,
		State:           state,
		Failures:        b.failures,
		Threshold:       b.cfg.Threshold,
		Timeout:         b.cfg.Timeout,
		LastFailureTime: b.lastFailure,
		OpenedAt:        b.openedAt,
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *CircuitBreaker) Reset() {
	cb := b.newGoBreaker()

	b.mu.Lock()
	b.cb = cb
	b.failures = 0
	b.lastFailure = time.Time{}
	b.openedAt = time.Time{}
	b.probeGranted = false
	b.mu.Unlock()

	metrics.CircuitBreakerState.WithLabelValues(b.cfg.Name).Set(0)
	b.log.Info("Circuit breaker reset", "name", b.cfg.Name)
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// stateToFloat converts a state to the gauge value.
func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
