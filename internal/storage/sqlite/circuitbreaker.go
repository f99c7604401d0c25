package sqlite

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/pkg/clock"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// ErrCircuitOpen rejects store calls while the breaker is open. It matches
// core.ErrUnavailable so the API answers 503 rather than 500.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker open", core.ErrUnavailable)

var breakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "querydesk_store_breaker_state",
	Help: "Store circuit breaker state (0 closed, 1 open, 2 half open)",
})

// CircuitBreaker stops hammering a failing database. Only storage faults
// count toward the threshold: a lost CAS or a missing record is an answer,
// not a failure. After resetTimeout one probe call is let through; its
// outcome closes or reopens the breaker.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	openedAt     time.Time
	clock        clock.Clock
	logger       *slog.Logger
}

type BreakerOption func(*CircuitBreaker)

func WithBreakerClock(c clock.Clock) BreakerOption {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		clock:        clock.Real(),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func storageFault(err error) bool {
	return err != nil && core.Kind(err) == "internal"
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, storageFault(err), err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		return true, nil
	}
	// A probe is already in flight.
	return false, ErrCircuitOpen
}

func (cb *CircuitBreaker) record(probe, fault bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case probe && fault:
		cb.trip(err)
	case probe:
		cb.failures = 0
		cb.setState(StateClosed)
	case fault:
		cb.failures++
		if cb.failures >= cb.threshold && cb.state == StateClosed {
			cb.trip(err)
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) trip(err error) {
	cb.openedAt = cb.clock.Now()
	cb.setState(StateOpen)
	cb.logger.Warn("store circuit breaker open", "failures", cb.failures, "retry_in", cb.resetTimeout, "error", err)
}

func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	if s == StateClosed {
		cb.logger.Info("store circuit breaker closed")
	}
	cb.state = s
	breakerState.Set(float64(s))
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
