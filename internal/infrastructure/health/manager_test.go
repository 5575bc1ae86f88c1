package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type breakerMap map[degradation.Component]*degradation.CircuitBreaker

func (m breakerMap) Get(c degradation.Component) *degradation.CircuitBreaker { return m[c] }

type fixture struct {
	clock   *degradation.ManualClock
	tracker *degradation.StatusTracker
	breaker *degradation.CircuitBreaker
	hm      *HealthManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := degradation.NewManualClock(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	tracker := degradation.NewStatusTracker(0, false, clock)
	tracker.Register(degradation.ComponentBroker, 0, degradation.StatusUnknown)
	breaker := degradation.NewCircuitBreaker("broker", degradation.CircuitConfig{
		FailThresholdCount: 2,
		FailWindow:         time.Minute,
		Timeout:            10 * time.Second,
	}, clock)

	cfg := config.HealthConfig{ProbeIntervalMs: 10, ProbeTimeoutMs: 1000, DegradedLatencyMs: 100}
	hm := NewHealthManager(cfg, tracker, breakerMap{degradation.ComponentBroker: breaker}, clock, logging.NewNopLogger())
	return &fixture{clock: clock, tracker: tracker, breaker: breaker, hm: hm}
}

func (f *fixture) status() degradation.Status {
	return f.tracker.Get(degradation.ComponentBroker).Status
}

func TestHealthManager_HealthyProbe(t *testing.T) {
	f := newFixture(t)
	f.hm.Register(degradation.ComponentBroker, core.HealthProbeFunc(func(ctx context.Context) error { return nil }), 0)

	require.NoError(t, f.hm.ProbeNow(context.Background(), degradation.ComponentBroker))
	assert.Equal(t, degradation.StatusHealthy, f.status())
	assert.True(t, f.hm.IsHealthy())
	assert.Equal(t, map[string]string{"broker": "HEALTHY"}, f.hm.GetStatus())
}

func TestHealthManager_SlowProbeIsDegraded(t *testing.T) {
	f := newFixture(t)
	f.hm.Register(degradation.ComponentBroker, core.HealthProbeFunc(func(ctx context.Context) error {
		f.clock.Advance(300 * time.Millisecond)
		return nil
	}), 0)

	require.NoError(t, f.hm.ProbeNow(context.Background(), degradation.ComponentBroker))
	assert.Equal(t, degradation.StatusDegraded, f.status())
	assert.Equal(t, degradation.CircuitClosed, f.breaker.CurrentState())
	assert.False(t, f.hm.IsHealthy())
	assert.Contains(t, f.hm.GetStatus()["broker"], "latency")
}

func TestHealthManager_PerProbeLatencyThreshold(t *testing.T) {
	f := newFixture(t)
	f.hm.Register(degradation.ComponentBroker, core.HealthProbeFunc(func(ctx context.Context) error {
		f.clock.Advance(300 * time.Millisecond)
		return nil
	}), time.Second)

	require.NoError(t, f.hm.ProbeNow(context.Background(), degradation.ComponentBroker))
	assert.Equal(t, degradation.StatusHealthy, f.status())
}

func TestHealthManager_FailuresTripBreaker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var (
		calls   atomic.Int32
		healthy atomic.Bool
	)
	f.hm.Register(degradation.ComponentBroker, core.HealthProbeFunc(func(ctx context.Context) error {
		calls.Add(1)
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	}), 0)

	require.Error(t, f.hm.ProbeNow(ctx, degradation.ComponentBroker))
	assert.Equal(t, degradation.StatusDegraded, f.status())

	require.Error(t, f.hm.ProbeNow(ctx, degradation.ComponentBroker))
	assert.Equal(t, degradation.CircuitOpen, f.breaker.CurrentState())
	assert.Equal(t, degradation.StatusDown, f.status())

	// Open breaker refuses the probe
	assert.ErrorIs(t, f.hm.ProbeNow(ctx, degradation.ComponentBroker), apperrors.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())

	// After the open timeout the probe is the half-open trial
	healthy.Store(true)
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.hm.ProbeNow(ctx, degradation.ComponentBroker))
	assert.Equal(t, degradation.CircuitClosed, f.breaker.CurrentState())
	assert.Equal(t, degradation.StatusHealthy, f.status())
}

func TestHealthManager_UnknownComponent(t *testing.T) {
	f := newFixture(t)
	err := f.hm.ProbeNow(context.Background(), degradation.ComponentMarketData)
	assert.ErrorIs(t, err, apperrors.ErrNoProbe)
}

func TestHealthManager_StartProbesInBackground(t *testing.T) {
	f := newFixture(t)
	f.hm.Register(degradation.ComponentBroker, core.HealthProbeFunc(func(ctx context.Context) error { return nil }), 0)

	require.NoError(t, f.hm.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return f.status() == degradation.StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.hm.Stop())
}
