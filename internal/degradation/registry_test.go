package degradation

import (
	"testing"
	"time"

	"tradeguard/internal/config"
	"tradeguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerRegistry_MirrorsStateIntoTracker(t *testing.T) {
	clock := NewManualClock(epoch)
	tracker := NewStatusTracker(0, true, clock)
	tracker.Register(ComponentDatabase, 0, StatusHealthy)
	pub := &capturePublisher{}
	cfg := config.DefaultConfig()

	reg := NewBreakerRegistry(cfg, tracker, pub, clock, logging.NewNopLogger())
	db := reg.Get(ComponentDatabase)
	require.Same(t, db, reg.Get(ComponentDatabase))

	for i := 0; i < cfg.Breakers["database"].FailThresholdCount; i++ {
		db.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, db.CurrentState())
	assert.Equal(t, StatusDown, tracker.Get(ComponentDatabase).Status)

	clock.Advance(cfg.Breakers["database"].Timeout())
	require.True(t, db.AllowRequest())
	assert.Equal(t, StatusDown, tracker.Get(ComponentDatabase).Status, "half-open keeps the component down")

	db.RecordSuccess()
	assert.Equal(t, StatusHealthy, tracker.Get(ComponentDatabase).Status)

	events := pub.ofType(EventBreakerStateChanged)
	require.Len(t, events, 3)
	assert.Equal(t, "OPEN", events[0].Payload[KeyTo])
	assert.Equal(t, SeverityCritical, events[0].Severity)
	assert.Equal(t, "HALF_OPEN", events[1].Payload[KeyTo])
	assert.Equal(t, "CLOSED", events[2].Payload[KeyTo])
}

func TestBreakerRegistry_SnapshotAndFallback(t *testing.T) {
	clock := NewManualClock(epoch)
	tracker := NewStatusTracker(time.Minute, true, clock)
	reg := NewBreakerRegistry(config.DefaultConfig(), tracker, nil, clock, logging.NewNopLogger())

	names := make([]string, 0)
	for _, s := range reg.Snapshot() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"broker", "database", "market_data", "risk"}, names)

	// Unconfigured components borrow the database thresholds
	recon := reg.Get(ComponentReconciliation)
	for i := 0; i < 3; i++ {
		recon.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, recon.CurrentState())

	require.NoError(t, reg.Reset(ComponentReconciliation))
	assert.Equal(t, CircuitClosed, recon.CurrentState())
	assert.Error(t, reg.Reset("nope"))
}
