package degradation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
)

// BreakerRegistry owns one CircuitBreaker per component and mirrors breaker
// state into the status tracker: OPEN reports the component DOWN, CLOSED
// reports it HEALTHY. HALF_OPEN leaves the status alone until the probe resolves.
type BreakerRegistry struct {
	cfg       *config.Config
	tracker   *StatusTracker
	publisher Publisher
	clock     Clock
	logger    core.ILogger

	mu       sync.RWMutex
	breakers map[Component]*CircuitBreaker
}

// NewBreakerRegistry creates breakers for every configured component
func NewBreakerRegistry(cfg *config.Config, tracker *StatusTracker, publisher Publisher, clock Clock, logger core.ILogger) *BreakerRegistry {
	r := &BreakerRegistry{
		cfg:       cfg,
		tracker:   tracker,
		publisher: publisher,
		clock:     clock,
		logger:    logger.WithField("component", "breakers"),
		breakers:  make(map[Component]*CircuitBreaker),
	}
	for name := range cfg.Breakers {
		r.Get(Component(name))
	}
	return r
}

// Get returns the component's breaker, creating it from config on first use
func (r *BreakerRegistry) Get(c Component) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[c]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[c]; ok {
		return cb
	}
	cb = NewCircuitBreaker(string(c), CircuitConfigFrom(r.cfg.Breaker(string(c))), r.clock)
	cb.OnStateChange(r.onStateChange)
	r.breakers[c] = cb
	return cb
}

// Snapshot returns all breakers sorted by name
func (r *BreakerRegistry) Snapshot() []BreakerSnapshot {
	r.mu.RLock()
	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes a component's breaker
func (r *BreakerRegistry) Reset(c Component) error {
	r.mu.RLock()
	cb, ok := r.breakers[c]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no breaker for %s", c)
	}
	cb.Reset()
	return nil
}

func (r *BreakerRegistry) onStateChange(name string, from, to CircuitState) {
	c := Component(name)
	severity := SeverityInfo
	switch to {
	case CircuitOpen:
		severity = SeverityCritical
		r.tracker.Update(c, StatusDown, "circuit breaker open")
	case CircuitHalfOpen:
		severity = SeverityWarning
	case CircuitClosed:
		r.tracker.Update(c, StatusHealthy, "circuit breaker closed")
	}
	r.logger.Warn("Circuit breaker state changed", "breaker", name, "from", from, "to", to)

	if r.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	e := NewEvent(EventBreakerStateChanged, name, severity, fmt.Sprintf("%s breaker %s", name, to), map[string]string{
		KeyComponent: name,
		KeyFrom:      from.String(),
		KeyTo:        to.String(),
	})
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.Warn("Failed to publish breaker event", "breaker", name, "error", err)
	}
}
