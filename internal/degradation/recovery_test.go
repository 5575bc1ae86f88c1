package degradation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradeguard/internal/config"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	mu      sync.Mutex
	tracker *StatusTracker
	err     error
	calls   int
}

func (p *fakeProber) ProbeNow(_ context.Context, c Component) error {
	p.mu.Lock()
	p.calls++
	err := p.err
	p.mu.Unlock()
	if errors.Is(err, apperrors.ErrCircuitOpen) || errors.Is(err, apperrors.ErrNoProbe) {
		return err
	}
	if err != nil {
		p.tracker.Update(c, StatusDown, err.Error())
		return err
	}
	p.tracker.Update(c, StatusHealthy, "probe ok")
	return nil
}

func (p *fakeProber) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recoveryFixture struct {
	clock   *ManualClock
	tracker *StatusTracker
	prober  *fakeProber
	pub     *capturePublisher
	orch    *RecoveryOrchestrator
}

func newRecoveryFixture(cfg RecoveryConfig) *recoveryFixture {
	clock := NewManualClock(epoch)
	tracker := NewStatusTracker(0, true, clock)
	for _, c := range []Component{ComponentBroker, ComponentDatabase} {
		tracker.Register(c, 0, StatusHealthy)
	}
	prober := &fakeProber{tracker: tracker}
	pub := &capturePublisher{}
	orch := NewRecoveryOrchestrator(cfg, DefaultDecisionMatrix(), tracker, prober, pub, clock, logging.NewNopLogger())
	return &recoveryFixture{clock: clock, tracker: tracker, prober: prober, pub: pub, orch: orch}
}

func defaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Stable:      10 * time.Second,
		BackoffBase: time.Second,
		MaxBackoff:  8 * time.Second,
		MaxAttempts: 3,
	}
}

func TestRecovery_FullProgression(t *testing.T) {
	f := newRecoveryFixture(defaultRecoveryConfig())
	ctx := context.Background()

	f.tracker.Update(ComponentDatabase, StatusDown, "ping failed")
	st, ok := f.orch.Status(ComponentDatabase)
	require.True(t, ok)
	assert.Equal(t, "PROBE", st.Stage)
	assert.Equal(t, "HALT", st.Floor)

	// Backoff not elapsed yet
	f.orch.Tick(ctx)
	assert.Equal(t, 0, f.prober.callCount())

	f.clock.Advance(time.Second)
	f.orch.Tick(ctx)
	assert.Equal(t, 1, f.prober.callCount())
	assert.Equal(t, StatusHealthy, f.tracker.Get(ComponentDatabase).Status)

	f.clock.Advance(10 * time.Second)
	f.orch.Tick(ctx)
	st, _ = f.orch.Status(ComponentDatabase)
	assert.Equal(t, "PARTIAL", st.Stage)
	assert.Equal(t, "SAFE", st.Floor)

	f.clock.Advance(9 * time.Second)
	f.orch.Tick(ctx)
	_, ok = f.orch.Status(ComponentDatabase)
	assert.True(t, ok, "each stage needs its own stability period")

	f.clock.Advance(time.Second)
	f.orch.Tick(ctx)
	_, ok = f.orch.Status(ComponentDatabase)
	assert.False(t, ok)

	stages := f.pub.ofType(EventRecoveryStageChanged)
	require.Len(t, stages, 2)
	assert.Equal(t, "HALT", stages[0].Payload[KeyFloor])
	assert.Equal(t, "SAFE", stages[1].Payload[KeyFloor])
	completed := f.pub.ofType(EventRecoveryCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "database", completed[0].Payload[KeyComponent])
}

func TestRecovery_BackoffAndFreeze(t *testing.T) {
	f := newRecoveryFixture(defaultRecoveryConfig())
	ctx := context.Background()
	f.prober.setErr(errors.New("connection refused"))

	f.tracker.Update(ComponentBroker, StatusDown, "unreachable")

	f.clock.Advance(time.Second)
	f.orch.Tick(ctx)
	require.Equal(t, 1, f.prober.callCount())
	st, _ := f.orch.Status(ComponentBroker)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), st.NextProbeAt)

	f.clock.Advance(time.Second)
	f.orch.Tick(ctx)
	assert.Equal(t, 1, f.prober.callCount(), "still backing off")

	f.clock.Advance(time.Second)
	f.orch.Tick(ctx)
	assert.Equal(t, 2, f.prober.callCount())

	f.clock.Advance(4 * time.Second)
	f.orch.Tick(ctx)
	assert.Equal(t, 3, f.prober.callCount())
	assert.Empty(t, f.pub.ofType(EventRecoveryFrozen))

	f.clock.Advance(8 * time.Second)
	f.orch.Tick(ctx)
	assert.Equal(t, 4, f.prober.callCount())

	st, _ = f.orch.Status(ComponentBroker)
	assert.True(t, st.Frozen)
	frozen := f.pub.ofType(EventRecoveryFrozen)
	require.Len(t, frozen, 1)
	assert.True(t, frozen[0].MustDeliver())

	f.clock.Advance(time.Minute)
	f.orch.Tick(ctx)
	assert.Equal(t, 4, f.prober.callCount(), "frozen components are not probed")

	assert.Error(t, f.orch.Trigger(ComponentBroker, TriggerAutomatic))

	f.prober.setErr(nil)
	require.NoError(t, f.orch.Trigger(ComponentBroker, TriggerManual))
	st, _ = f.orch.Status(ComponentBroker)
	assert.False(t, st.Frozen)
	assert.Equal(t, 0, st.Attempt)

	f.orch.Tick(ctx)
	assert.Equal(t, 5, f.prober.callCount())
	assert.Equal(t, StatusHealthy, f.tracker.Get(ComponentBroker).Status)
}

func TestRecovery_FailureInPartialStepsBack(t *testing.T) {
	f := newRecoveryFixture(defaultRecoveryConfig())
	ctx := context.Background()

	f.tracker.Update(ComponentDatabase, StatusDown, "down")
	f.clock.Advance(time.Second)
	f.orch.Tick(ctx)
	f.clock.Advance(10 * time.Second)
	f.orch.Tick(ctx)
	st, _ := f.orch.Status(ComponentDatabase)
	require.Equal(t, "PARTIAL", st.Stage)

	f.tracker.Update(ComponentDatabase, StatusDegraded, "slow queries")

	st, _ = f.orch.Status(ComponentDatabase)
	assert.Equal(t, "PROBE", st.Stage)
	assert.Equal(t, "HALT", st.Floor)
	assert.Equal(t, 1, st.Attempt)
	assert.True(t, st.HealthySince.IsZero())
}

func TestRecovery_FlickerRestartsStageTimer(t *testing.T) {
	f := newRecoveryFixture(defaultRecoveryConfig())
	ctx := context.Background()

	f.tracker.Update(ComponentBroker, StatusDown, "down")
	f.clock.Advance(time.Second)
	f.orch.Tick(ctx)

	f.clock.Advance(10*time.Second - time.Millisecond)
	f.tracker.Update(ComponentBroker, StatusDown, "flicker")
	f.clock.Advance(2 * time.Second)
	f.orch.Tick(ctx)

	st, _ := f.orch.Status(ComponentBroker)
	assert.Equal(t, "PROBE", st.Stage)
	assert.Equal(t, 2, f.prober.callCount(), "probe reruns once backoff elapses")
}

func TestRecovery_BrokerFloors(t *testing.T) {
	f := newRecoveryFixture(defaultRecoveryConfig())
	assert.Equal(t, ModeSafe, f.orch.floor(ComponentBroker, StageProbe))
	assert.Equal(t, ModeSafe, f.orch.floor(ComponentBroker, StagePartial))
	assert.Equal(t, ModeHalt, f.orch.floor(ComponentDatabase, StageProbe))
	assert.Equal(t, ModeSafe, f.orch.floor(ComponentDatabase, StagePartial))
	assert.Equal(t, ModeNormal, f.orch.floor(ComponentDatabase, StageFull))
}

func TestRecovery_BackoffIsCapped(t *testing.T) {
	f := newRecoveryFixture(RecoveryConfig{BackoffBase: time.Second, MaxBackoff: 5 * time.Second})
	assert.Equal(t, time.Second, f.orch.backoff(0))
	assert.Equal(t, 2*time.Second, f.orch.backoff(1))
	assert.Equal(t, 4*time.Second, f.orch.backoff(2))
	assert.Equal(t, 5*time.Second, f.orch.backoff(3))
	assert.Equal(t, 5*time.Second, f.orch.backoff(40))
}

func TestRecovery_DegradedDoesNotStartTracking(t *testing.T) {
	f := newRecoveryFixture(defaultRecoveryConfig())
	f.tracker.Update(ComponentBroker, StatusDegraded, "slow")
	_, ok := f.orch.Status(ComponentBroker)
	assert.False(t, ok)
	assert.Error(t, f.orch.Trigger(ComponentDatabase, TriggerManual), "healthy components have nothing to recover")
}

type forwardingPublisher struct {
	svc *SystemStateService
	capturePublisher
}

func (p *forwardingPublisher) Publish(ctx context.Context, e SystemEvent) error {
	_ = p.capturePublisher.Publish(ctx, e)
	p.svc.HandleEvent(ctx, e)
	return nil
}

func TestRecovery_DrivesSystemModeBackToNormal(t *testing.T) {
	clock := NewManualClock(epoch)
	tracker := NewStatusTracker(0, true, clock)
	tracker.Register(ComponentDatabase, 0, StatusHealthy)
	logger := logging.NewNopLogger()

	svc := NewSystemStateService(StateConfig{UnknownAsDown: true, RecoveryStable: 5 * time.Second}, tracker, &capturePublisher{}, clock, logger)
	fwd := &forwardingPublisher{svc: svc}
	prober := &fakeProber{tracker: tracker}
	orch := NewRecoveryOrchestrator(RecoveryConfig{Stable: 5 * time.Second, BackoffBase: time.Second, MaxBackoff: time.Minute, MaxAttempts: 3},
		DefaultDecisionMatrix(), tracker, prober, fwd, clock, logger)
	ctx := context.Background()

	tracker.Update(ComponentDatabase, StatusDown, "down")
	require.Equal(t, ModeHalt, svc.Mode())

	clock.Advance(time.Second)
	orch.Tick(ctx)
	assert.Equal(t, ModeHalt, svc.Mode(), "PROBE floor keeps the database row")

	clock.Advance(5 * time.Second)
	orch.Tick(ctx)
	assert.Equal(t, ModeSafe, svc.Mode(), "PARTIAL re-enables closes")

	clock.Advance(5 * time.Second)
	orch.Tick(ctx)
	assert.Equal(t, ModeNormal, svc.Mode())
	assert.Empty(t, svc.Floors())
}

func TestRecovery_ImprovementToDegradedIsNotAFailure(t *testing.T) {
	f := newRecoveryFixture(defaultRecoveryConfig())

	f.tracker.Update(ComponentBroker, StatusDown, "down")
	f.tracker.Update(ComponentBroker, StatusDegraded, "slow but answering")

	st, ok := f.orch.Status(ComponentBroker)
	require.True(t, ok)
	assert.Equal(t, 0, st.Attempt)
}

func TestRecovery_OpenBreakerDoesNotSpendAttempts(t *testing.T) {
	cfg := defaultRecoveryConfig()
	cfg.MaxAttempts = config.DefaultConfig().Recovery.MaxRecoveryAttempts
	f := newRecoveryFixture(cfg)
	ctx := context.Background()
	f.prober.setErr(apperrors.ErrCircuitOpen)

	f.tracker.Update(ComponentDatabase, StatusDown, "breaker open")
	for i := 0; i < 4*cfg.MaxAttempts; i++ {
		f.clock.Advance(time.Second)
		f.orch.Tick(ctx)
	}
	require.Equal(t, 4*cfg.MaxAttempts, f.prober.callCount())

	st, ok := f.orch.Status(ComponentDatabase)
	require.True(t, ok)
	assert.False(t, st.Frozen)
	assert.Equal(t, 0, st.Attempt, "a refused probe is not an attempt")
	assert.Empty(t, f.pub.ofType(EventRecoveryFrozen))

	// Breaker half-opens and the trial succeeds
	f.prober.setErr(nil)
	f.clock.Advance(time.Second)
	f.orch.Tick(ctx)
	require.Equal(t, StatusHealthy, f.tracker.Get(ComponentDatabase).Status)

	f.clock.Advance(10 * time.Second)
	f.orch.Tick(ctx)
	f.clock.Advance(10 * time.Second)
	f.orch.Tick(ctx)
	_, ok = f.orch.Status(ComponentDatabase)
	assert.False(t, ok)
	assert.Len(t, f.pub.ofType(EventRecoveryCompleted), 1)
}

func TestRecovery_ComponentWithoutProbeFollowsStatus(t *testing.T) {
	cfg := defaultRecoveryConfig()
	cfg.MaxAttempts = config.DefaultConfig().Recovery.MaxRecoveryAttempts
	f := newRecoveryFixture(cfg)
	f.tracker.Register(ComponentReconciliation, 0, StatusHealthy)
	ctx := context.Background()
	f.prober.setErr(fmt.Errorf("%w for %s", apperrors.ErrNoProbe, ComponentReconciliation))

	f.tracker.Update(ComponentReconciliation, StatusDown, "position mismatch")
	st, ok := f.orch.Status(ComponentReconciliation)
	require.True(t, ok)
	assert.Equal(t, "SAFE", st.Floor)

	for i := 0; i < 4*cfg.MaxAttempts; i++ {
		f.clock.Advance(time.Second)
		f.orch.Tick(ctx)
	}
	assert.Equal(t, 1, f.prober.callCount(), "asked once, then left to its status")
	st, _ = f.orch.Status(ComponentReconciliation)
	assert.True(t, st.Passive)
	assert.False(t, st.Frozen)
	assert.Equal(t, 0, st.Attempt)
	assert.Equal(t, "PROBE", st.Stage)

	// A clean reconciliation run
	f.tracker.Update(ComponentReconciliation, StatusHealthy, "reconciliation clean")
	f.clock.Advance(10 * time.Second)
	f.orch.Tick(ctx)
	st, _ = f.orch.Status(ComponentReconciliation)
	assert.Equal(t, "PARTIAL", st.Stage)

	f.clock.Advance(10 * time.Second)
	f.orch.Tick(ctx)
	_, ok = f.orch.Status(ComponentReconciliation)
	assert.False(t, ok)
	completed := f.pub.ofType(EventRecoveryCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "reconciliation", completed[0].Payload[KeyComponent])
}
