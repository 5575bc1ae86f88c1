package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradeguard/internal/broker"
	"tradeguard/internal/config"
	"tradeguard/internal/dbbuffer"
	"tradeguard/internal/degradation"
	"tradeguard/internal/store"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []degradation.SystemEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e degradation.SystemEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) list() []degradation.SystemEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]degradation.SystemEvent(nil), p.events...)
}

type recordingWriter struct {
	mu      sync.Mutex
	kinds   []string
	results []Result
}

func (w *recordingWriter) Write(ctx context.Context, kind string, v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.kinds = append(w.kinds, kind)
	if res, ok := v.(Result); ok {
		w.results = append(w.results, res)
	}
	return nil
}

type reconcilerFixture struct {
	broker    *broker.PaperBroker
	local     *store.MemoryStore
	breaker   *degradation.CircuitBreaker
	publisher *recordingPublisher
	writer    *recordingWriter
	rec       *Reconciler
}

// newReconcilerFixture seeds 100 AAPL locally and brokerQty AAPL at the broker
func newReconcilerFixture(t *testing.T, brokerQty string) *reconcilerFixture {
	t.Helper()
	ctx := context.Background()
	clock := degradation.NewManualClock(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))

	local := store.NewMemoryStore()
	require.NoError(t, local.SavePosition(ctx, pos("AAPL", "100", "150.00")))
	require.NoError(t, local.SaveAccount(ctx, *acct("1000", "16000")))

	b := broker.NewPaperBroker("paper", 1.0)
	b.SetAccount("acct-1", dec("1000"), dec("16000"))
	b.SetPosition("acct-1", "AAPL", dec(brokerQty), dec("150.00"))

	breaker := degradation.NewCircuitBreaker("broker", degradation.CircuitConfig{
		FailThresholdCount: 2,
		FailWindow:         time.Minute,
		Timeout:            time.Minute,
	}, clock)

	f := &reconcilerFixture{
		broker:    b,
		local:     local,
		breaker:   breaker,
		publisher: &recordingPublisher{},
		writer:    &recordingWriter{},
	}
	cfg := Config{
		AccountIDs:       []string{"acct-1"},
		Interval:         10 * time.Millisecond,
		Timeout:          time.Second,
		Tolerances:       DefaultTolerances(),
		EventMinSeverity: degradation.SeverityWarning,
	}
	f.rec = NewReconciler(cfg, b, local, breaker, f.writer, f.publisher, clock, logging.NewNopLogger())
	return f
}

func TestReconciler_ReportsQuantityMismatch(t *testing.T) {
	f := newReconcilerFixture(t, "80")
	assert.Equal(t, StatusNeverRun, f.rec.GetStatus().Status)

	res, err := f.rec.Reconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.Discrepancies, 1)
	assert.Equal(t, QuantityMismatch, res.Discrepancies[0].Type)
	assert.Equal(t, degradation.SeverityCritical, res.MaxSeverity)

	events := f.publisher.list()
	require.Len(t, events, 2)
	assert.Equal(t, degradation.EventDiscrepancyDetected, events[0].Type)
	assert.Equal(t, degradation.SeverityCritical, events[0].Severity)
	assert.Equal(t, "acct-1", events[0].Payload[degradation.KeyAccount])
	assert.Equal(t, "1", events[0].Payload[degradation.KeyCount])
	assert.True(t, events[0].MustDeliver())
	assert.Equal(t, degradation.EventReconciliationCompleted, events[1].Type)
	assert.Equal(t, "true", events[1].Payload[degradation.KeyReported])

	assert.Equal(t, []string{dbbuffer.KindReconciliationRun}, f.writer.kinds)
	assert.Equal(t, res.ID, f.writer.results[0].ID)

	assert.Equal(t, res.ID, f.rec.GetStatus().ID)
	last, ok := f.rec.LastResult("acct-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, last.Status)
}

func TestReconciler_CleanRunReportsNothing(t *testing.T) {
	f := newReconcilerFixture(t, "100")

	res, err := f.rec.Reconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, res.Discrepancies)
	assert.Empty(t, res.MaxSeverity)

	events := f.publisher.list()
	require.Len(t, events, 1)
	assert.Equal(t, degradation.EventReconciliationCompleted, events[0].Type)
	assert.Equal(t, degradation.SeverityInfo, events[0].Severity)
	assert.Equal(t, "false", events[0].Payload[degradation.KeyReported])
}

func TestReconciler_BelowMinSeverityIsNotPublished(t *testing.T) {
	f := newReconcilerFixture(t, "100.05")

	res, err := f.rec.Reconcile(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, res.Discrepancies, 1)
	assert.Equal(t, degradation.SeverityInfo, res.MaxSeverity)

	events := f.publisher.list()
	require.Len(t, events, 1)
	assert.Equal(t, degradation.EventReconciliationCompleted, events[0].Type)
	assert.Equal(t, "false", events[0].Payload[degradation.KeyReported])
}

func TestReconciler_BrokerFailureMarksRunFailed(t *testing.T) {
	f := newReconcilerFixture(t, "80")
	f.broker.SetHealth(errors.New("gateway unreachable"))

	res, err := f.rec.Reconcile(context.Background(), "acct-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unreachable")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Discrepancies, "no discrepancies invented")
	assert.Equal(t, StatusFailed, f.rec.GetStatus().Status)
	assert.Empty(t, f.publisher.list())
	assert.Equal(t, []string{dbbuffer.KindReconciliationRun}, f.writer.kinds)

	// A second failure opens the breaker; the next run fails fast
	_, err = f.rec.Reconcile(context.Background(), "acct-1")
	require.Error(t, err)
	assert.Equal(t, degradation.CircuitOpen, f.breaker.CurrentState())

	f.broker.SetHealth(nil)
	_, err = f.rec.Reconcile(context.Background(), "acct-1")
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
}

func TestReconciler_LocalFailureMarksRunFailed(t *testing.T) {
	f := newReconcilerFixture(t, "100")
	f.local.SetFailure(errors.New("database is locked"))

	res, err := f.rec.Reconcile(context.Background(), "acct-1")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "local positions")
	assert.Equal(t, degradation.CircuitClosed, f.breaker.CurrentState())
}

func TestReconciler_TriggerManualCoversAllAccounts(t *testing.T) {
	f := newReconcilerFixture(t, "80")
	f.rec.cfg.AccountIDs = []string{"acct-1", "acct-2"}

	results, err := f.rec.TriggerManual(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[0].Discrepancies, 1)
	assert.Empty(t, results[1].Discrepancies, "an account unknown to both sides matches")

	_, ok := f.rec.LastResult("acct-2")
	assert.True(t, ok)
	assert.Equal(t, "acct-2", f.rec.GetStatus().AccountID)
}

func TestReconciler_StartRunsPeriodically(t *testing.T) {
	f := newReconcilerFixture(t, "100")
	require.NoError(t, f.rec.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return f.rec.GetStatus().Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.rec.Stop())
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.DefaultConfig().Reconciliation)
	assert.Equal(t, time.Minute, cfg.Interval)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, degradation.SeverityWarning, cfg.EventMinSeverity)
	assert.Equal(t, []string{"paper"}, cfg.AccountIDs)
}
