// Package health runs dependency probes and feeds their results into the
// component status tracker.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"

	"golang.org/x/sync/errgroup"
)

// BreakerSource hands out the breaker guarding a component
type BreakerSource interface {
	Get(c degradation.Component) *degradation.CircuitBreaker
}

type registeredProbe struct {
	probe           core.IHealthProbe
	degradedLatency time.Duration
}

// HealthManager probes registered components on an interval. Each probe is
// gated by and recorded on the component's breaker; the reported status is the
// worse of the breaker-derived and latency-derived status.
type HealthManager struct {
	tracker  *degradation.StatusTracker
	breakers BreakerSource
	clock    degradation.Clock
	logger   core.ILogger

	interval        time.Duration
	timeout         time.Duration
	degradedLatency time.Duration

	mu     sync.RWMutex
	probes map[degradation.Component]registeredProbe

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthManager creates a new health manager. breakers may be nil.
func NewHealthManager(cfg config.HealthConfig, tracker *degradation.StatusTracker, breakers BreakerSource, clock degradation.Clock, logger core.ILogger) *HealthManager {
	if clock == nil {
		clock = degradation.RealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthManager{
		tracker:         tracker,
		breakers:        breakers,
		clock:           clock,
		logger:          logger.WithField("component", "health_manager"),
		interval:        cfg.ProbeInterval(),
		timeout:         cfg.ProbeTimeout(),
		degradedLatency: cfg.DegradedLatency(),
		probes:          make(map[degradation.Component]registeredProbe),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Register adds a probe for a component. degradedLatency <= 0 uses the configured default.
func (hm *HealthManager) Register(c degradation.Component, probe core.IHealthProbe, degradedLatency time.Duration) {
	if degradedLatency <= 0 {
		degradedLatency = hm.degradedLatency
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.probes[c] = registeredProbe{probe: probe, degradedLatency: degradedLatency}
}

// Components lists the registered components
func (hm *HealthManager) Components() []degradation.Component {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]degradation.Component, 0, len(hm.probes))
	for c := range hm.probes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ProbeNow runs one component's probe and reports the outcome to the tracker.
// It returns ErrCircuitOpen without probing while the breaker refuses calls,
// and ErrNoProbe for a component nothing was registered for.
func (hm *HealthManager) ProbeNow(ctx context.Context, c degradation.Component) error {
	hm.mu.RLock()
	rp, ok := hm.probes[c]
	hm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for %s", apperrors.ErrNoProbe, c)
	}

	var cb *degradation.CircuitBreaker
	if hm.breakers != nil {
		cb = hm.breakers.Get(c)
	}
	if cb != nil && !cb.AllowRequest() {
		return apperrors.ErrCircuitOpen
	}

	probeCtx, cancel := context.WithTimeout(ctx, hm.timeout)
	started := hm.clock.Now()
	err := rp.probe.Check(probeCtx)
	latency := hm.clock.Now().Sub(started)
	cancel()

	if cb != nil {
		if err != nil {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
	}

	status, reason := degradation.StatusHealthy, "probe ok"
	switch {
	case err != nil:
		status, reason = degradation.StatusDegraded, "probe failed: "+err.Error()
	case rp.degradedLatency > 0 && latency > rp.degradedLatency:
		status, reason = degradation.StatusDegraded, fmt.Sprintf("probe latency %s above %s", latency, rp.degradedLatency)
	}
	if cb != nil {
		if bs := breakerStatus(cb.CurrentState()); bs > status {
			status, reason = bs, fmt.Sprintf("circuit breaker %s; %s", cb.CurrentState(), reason)
		}
	}
	hm.tracker.Update(c, status, reason)

	if err != nil {
		hm.logger.Warn("Health probe failed", "target", c, "latency", latency, "error", err)
		return fmt.Errorf("%s probe: %w", c, err)
	}
	hm.logger.Debug("Health probe ok", "target", c, "latency", latency, "status", status)
	return nil
}

// ProbeAll probes every registered component concurrently
func (hm *HealthManager) ProbeAll(ctx context.Context) {
	var g errgroup.Group
	for _, c := range hm.Components() {
		g.Go(func() error {
			// Failures are already on the tracker
			_ = hm.ProbeNow(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus() map[string]string {
	status := make(map[string]string)
	for _, c := range hm.Components() {
		cs := hm.tracker.Get(c)
		if cs.Reason != "" && cs.Status != degradation.StatusHealthy {
			status[string(c)] = cs.StatusStr + ": " + cs.Reason
		} else {
			status[string(c)] = cs.StatusStr
		}
	}
	return status
}

// IsHealthy returns true if all registered components are healthy
func (hm *HealthManager) IsHealthy() bool {
	for _, c := range hm.Components() {
		if hm.tracker.Get(c).Status != degradation.StatusHealthy {
			return false
		}
	}
	return true
}

// Start probes immediately and then on every interval
func (hm *HealthManager) Start(ctx context.Context) error {
	hm.logger.Info("Starting health manager", "interval", hm.interval, "components", hm.Components())
	hm.wg.Add(1)
	go hm.runLoop()
	return nil
}

// Stop stops probing
func (hm *HealthManager) Stop() error {
	hm.logger.Info("Stopping health manager")
	hm.cancel()
	hm.wg.Wait()
	return nil
}

func (hm *HealthManager) runLoop() {
	defer hm.wg.Done()

	hm.ProbeAll(hm.ctx)

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.ProbeAll(hm.ctx)
		}
	}
}

func breakerStatus(s degradation.CircuitState) degradation.Status {
	switch s {
	case degradation.CircuitOpen:
		return degradation.StatusDown
	case degradation.CircuitHalfOpen:
		return degradation.StatusDegraded
	default:
		return degradation.StatusHealthy
	}
}

var _ degradation.ComponentProber = (*HealthManager)(nil)
