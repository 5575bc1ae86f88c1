package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradeguard/internal/broker"
	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/dbbuffer"
	"tradeguard/internal/degradation"
	"tradeguard/internal/store"
	"tradeguard/internal/trading/order"
	"tradeguard/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fastConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "memory"
	cfg.Degradation.RecoveryStableSeconds = 0
	cfg.Degradation.MinSafeModeSeconds = 0
	cfg.Degradation.EvaluationIntervalMs = 10
	cfg.Degradation.AlertOnUnstable = false
	cfg.Health.ProbeIntervalMs = 10
	cfg.Health.ProbeTimeoutMs = 200
	cfg.Health.DegradedLatencyMs = 0
	cfg.Recovery.BackoffBaseMs = 20
	cfg.Recovery.MaxBackoffMs = 100
	cfg.Recovery.TickIntervalMs = 10
	cfg.Breakers[config.ComponentDatabase] = config.BreakerConfig{FailThresholdCount: 2, FailThresholdSeconds: 60, TimeoutSeconds: 1}
	cfg.Breakers[config.ComponentMarketData] = config.BreakerConfig{FailThresholdCount: 2, FailThresholdSeconds: 60, TimeoutSeconds: 1}
	cfg.Outbox.PollIntervalMs = 10
	cfg.DBBuffer.DrainIntervalMs = 10
	cfg.Reconciliation.Enabled = false
	return cfg
}

func TestApp_DatabaseOutageHaltsAndRecovers(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryStore()
	app, err := NewApp(ctx, fastConfig(), logging.NewNopLogger(), Options{Store: db, DisableServers: true})
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	defer func() { _ = app.Stop() }()

	assert.Equal(t, degradation.ModeNormal, app.State.Mode())
	require.NoError(t, app.Gate.CheckNewOrder())

	db.SetFailure(errors.New("disk I/O error"))
	require.Eventually(t, func() bool {
		return app.State.Mode() == degradation.ModeHalt
	}, 3*time.Second, 10*time.Millisecond)
	assert.Error(t, app.Gate.CheckNewOrder())
	assert.Error(t, app.Gate.CheckClose())
	assert.Equal(t, degradation.CircuitOpen, app.Breakers.Get(degradation.ComponentDatabase).CurrentState())

	db.SetFailure(nil)
	require.Eventually(t, func() bool {
		return app.State.Mode() == degradation.ModeNormal
	}, 10*time.Second, 20*time.Millisecond)
	assert.NoError(t, app.Gate.CheckNewOrder())
	assert.NoError(t, app.Gate.CheckClose())

	var path []string
	for _, tr := range app.State.History(50) {
		path = append(path, tr.To)
	}
	haltAt := indexOf(path, "HALT", 0)
	require.GreaterOrEqual(t, haltAt, 0, "path %v", path)
	safeAt := indexOf(path, "SAFE", haltAt)
	require.Greater(t, safeAt, haltAt, "recovery passes through SAFE: %v", path)
	assert.Greater(t, indexOf(path, "NORMAL", safeAt), safeAt, "path %v", path)

	// Events recorded during the outage reach the database afterwards
	require.Eventually(t, func() bool {
		return app.Buffer.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
	records, err := db.ListRecords(ctx, dbbuffer.KindSystemEvent, 500)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
}

func TestApp_MarketDataOutageKeepsClosesOpen(t *testing.T) {
	ctx := context.Background()
	app, err := NewApp(ctx, fastConfig(), logging.NewNopLogger(), Options{Store: store.NewMemoryStore(), DisableServers: true})
	require.NoError(t, err)
	require.NoError(t, app.Start(ctx))
	defer func() { _ = app.Stop() }()
	require.Equal(t, degradation.ModeNormal, app.State.Mode())

	app.Feed.SetHealth(errors.New("quote stream disconnected"))
	require.Eventually(t, func() bool {
		return app.State.Mode() == degradation.ModeSafe
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, degradation.CircuitOpen, app.Breakers.Get(degradation.ComponentMarketData).CurrentState())
	assert.Error(t, app.Gate.CheckNewOrder())
	assert.NoError(t, app.Gate.CheckClose())

	// The breaker refuses probes for its whole open timeout; that must not use up recovery attempts
	app.Feed.SetHealth(nil)
	require.Eventually(t, func() bool {
		return app.State.Mode() == degradation.ModeNormal
	}, 10*time.Second, 20*time.Millisecond)
	_, recovering := app.Recovery.Status(degradation.ComponentMarketData)
	assert.False(t, recovering)
}

func indexOf(path []string, mode string, from int) int {
	for i := from; i < len(path); i++ {
		if path[i] == mode {
			return i
		}
	}
	return -1
}

func TestApp_PartialCloseIsCompletedOnRetry(t *testing.T) {
	ctx := context.Background()
	clock := degradation.NewManualClock(time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC))
	cfg := fastConfig()
	cfg.Degradation.StatusTTLSeconds = 0

	b := broker.NewPaperBroker("paper", 1.0)
	b.SetAccount("paper", dec("100000"), dec("100000"))
	b.SetPosition("paper", "AAPL", dec("100"), dec("150"))
	b.ScriptFills(dec("30"), dec("70"))

	db := store.NewMemoryStore()
	require.NoError(t, db.SavePosition(ctx, core.Position{AccountID: "paper", Symbol: "AAPL", Quantity: dec("100"), CostBasis: dec("150")}))

	app, err := NewApp(ctx, cfg, logging.NewNopLogger(), Options{Clock: clock, Store: db, Broker: b, DisableServers: true})
	require.NoError(t, err)
	defer func() { _ = app.Stop() }()

	req, created, err := app.Closes.RequestClose(ctx, order.CloseParams{
		AccountID:      "paper",
		Symbol:         "AAPL",
		Side:           core.SideSell,
		Quantity:       dec("100"),
		IdempotencyKey: "close-aapl",
	})
	require.NoError(t, err)
	require.True(t, created)

	n, err := app.Outbox.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := app.Closes.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, order.CloseRetryable, got.Status)
	assert.True(t, got.FilledQty.Equal(dec("30")))
	assert.True(t, got.RemainingQty().Equal(dec("70")))

	clock.Advance(time.Minute)
	n, err = app.Outbox.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err = app.Closes.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, order.CloseCompleted, got.Status)
	assert.True(t, got.FilledQty.Equal(dec("100")))
	assert.Equal(t, 2, b.OrderCount())

	positions, err := db.GetPositions(ctx, "paper")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestApp_HaltRefusesNewCloses(t *testing.T) {
	ctx := context.Background()
	app, err := NewApp(ctx, fastConfig(), logging.NewNopLogger(), Options{Store: store.NewMemoryStore(), DisableServers: true})
	require.NoError(t, err)
	defer func() { _ = app.Stop() }()

	require.NoError(t, app.State.ForceMode(degradation.ModeHalt, "operator"))
	_, _, err = app.Closes.RequestClose(ctx, order.CloseParams{
		AccountID: "paper",
		Symbol:    "AAPL",
		Side:      core.SideSell,
		Quantity:  dec("1"),
	})
	var gated *degradation.GatedError
	assert.ErrorAs(t, err, &gated)
}

func TestNewApp_SeedsLedgerFromBroker(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Broker.InitialCash = 2500
	db := store.NewMemoryStore()

	app, err := NewApp(ctx, cfg, logging.NewNopLogger(), Options{Store: db, DisableServers: true})
	require.NoError(t, err)
	defer func() { _ = app.Stop() }()

	local, err := db.GetAccount(ctx, "paper")
	require.NoError(t, err)
	assert.True(t, local.Cash.Equal(dec("2500")))

	remote, err := app.Broker.GetAccount(ctx, "paper")
	require.NoError(t, err)
	assert.True(t, remote.Cash.Equal(dec("2500")))
}

func TestNewApp_DBOSNeedsContext(t *testing.T) {
	cfg := fastConfig()
	cfg.App.EngineType = "dbos"
	cfg.App.DatabaseURL = "postgres://localhost/tradeguard"

	_, err := NewApp(context.Background(), cfg, logging.NewNopLogger(), Options{Store: store.NewMemoryStore(), DisableServers: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DBOS context")
}

func TestNewApp_UnreachableStore(t *testing.T) {
	db := store.NewMemoryStore()
	db.SetFailure(errors.New("connection refused"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewApp(ctx, fastConfig(), logging.NewNopLogger(), Options{Store: db, DisableServers: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
}
