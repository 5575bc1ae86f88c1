package degradation

import (
	"context"
	"sync"
	"time"

	"tradeguard/internal/config"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/telemetry"
)

// CircuitState is the state of a CircuitBreaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitConfig holds breaker thresholds
type CircuitConfig struct {
	FailThresholdCount int
	FailWindow         time.Duration
	Timeout            time.Duration
}

// CircuitConfigFrom converts a configured breaker section
func CircuitConfigFrom(c config.BreakerConfig) CircuitConfig {
	return CircuitConfig{
		FailThresholdCount: c.FailThresholdCount,
		FailWindow:         c.Window(),
		Timeout:            c.Timeout(),
	}
}

// StateListener is notified after every state change
type StateListener func(name string, from, to CircuitState)

// BreakerSnapshot is a point-in-time copy of breaker state
type BreakerSnapshot struct {
	Name          string       `json:"name"`
	State         CircuitState `json:"-"`
	StateName     string       `json:"state"`
	Failures      int          `json:"failures"`
	LastFailure   time.Time    `json:"last_failure"`
	OpenedAt      time.Time    `json:"opened_at"`
	ProbeInFlight bool         `json:"probe_in_flight"`
}

// CircuitBreaker counts failures of one dependency in a rolling window. While
// open it rejects calls; after the timeout it admits exactly one probe and
// closes only if that probe succeeds.
type CircuitBreaker struct {
	name   string
	config CircuitConfig
	clock  Clock

	mu            sync.Mutex
	state         CircuitState
	failures      []time.Time
	lastFailure   time.Time
	openedAt      time.Time
	probeInFlight bool
	listeners     []StateListener
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, cfg CircuitConfig, clock Clock) *CircuitBreaker {
	if clock == nil {
		clock = RealClock()
	}
	if cfg.FailThresholdCount < 1 {
		cfg.FailThresholdCount = 1
	}
	return &CircuitBreaker{
		name:   name,
		config: cfg,
		clock:  clock,
		state:  CircuitClosed,
	}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange registers a listener. Listeners run synchronously after the lock is released.
func (cb *CircuitBreaker) OnStateChange(l StateListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, l)
}

// AllowRequest reports whether a call may proceed. The first call after the
// open timeout moves the breaker to half-open and is the single probe.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	switch cb.state {
	case CircuitClosed:
		cb.mu.Unlock()
		return true
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.config.Timeout {
			cb.mu.Unlock()
			return false
		}
		cb.probeInFlight = true
		notify := cb.transition(CircuitHalfOpen)
		cb.mu.Unlock()
		notify()
		return true
	default: // half-open
		if cb.probeInFlight {
			cb.mu.Unlock()
			return false
		}
		cb.probeInFlight = true
		cb.mu.Unlock()
		return true
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	notify := func() {}
	switch cb.state {
	case CircuitClosed:
		cb.failures = cb.failures[:0]
	case CircuitHalfOpen:
		cb.failures = cb.failures[:0]
		cb.probeInFlight = false
		notify = cb.transition(CircuitClosed)
	case CircuitOpen:
		// Result of a call admitted before the trip
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	now := cb.clock.Now()
	notify := func() {}
	switch cb.state {
	case CircuitClosed:
		cb.lastFailure = now
		cb.failures = append(cb.pruneLocked(now), now)
		if len(cb.failures) >= cb.config.FailThresholdCount {
			cb.openedAt = now
			notify = cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.lastFailure = now
		cb.probeInFlight = false
		cb.openedAt = now
		notify = cb.transition(CircuitOpen)
	case CircuitOpen:
	}
	cb.mu.Unlock()
	notify()
}

// CurrentState returns the state without side effects
func (cb *CircuitBreaker) CurrentState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the breaker allows it and records the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.AllowRequest() {
		return apperrors.ErrCircuitOpen
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = cb.failures[:0]
	cb.probeInFlight = false
	notify := cb.transition(CircuitClosed)
	cb.mu.Unlock()
	notify()
}

// Snapshot returns a copy of the breaker state
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:          cb.name,
		State:         cb.state,
		StateName:     cb.state.String(),
		Failures:      len(cb.pruneLocked(cb.clock.Now())),
		LastFailure:   cb.lastFailure,
		OpenedAt:      cb.openedAt,
		ProbeInFlight: cb.probeInFlight,
	}
}

// pruneLocked drops failures older than the window
func (cb *CircuitBreaker) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-cb.config.FailWindow)
	kept := cb.failures[:0]
	for _, ts := range cb.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.failures = kept
	return kept
}

// transition must hold mu. It returns the notification to run after unlocking.
func (cb *CircuitBreaker) transition(to CircuitState) func() {
	from := cb.state
	if from == to {
		return func() {}
	}
	cb.state = to
	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.name, to == CircuitOpen)

	listeners := make([]StateListener, len(cb.listeners))
	copy(listeners, cb.listeners)
	name := cb.name
	return func() {
		for _, l := range listeners {
			l(name, from, to)
		}
	}
}
