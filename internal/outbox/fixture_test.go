package outbox_test

import (
	"context"
	"testing"
	"time"

	"tradeguard/internal/broker"
	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	"tradeguard/internal/outbox"
	"tradeguard/internal/store"
	"tradeguard/internal/trading/order"
	"tradeguard/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type normalMode struct{}

func (normalMode) Current() degradation.ModeSnapshot {
	return degradation.ModeSnapshot{Mode: degradation.ModeNormal, Name: "NORMAL"}
}

type fixture struct {
	store    *store.MemoryStore
	broker   *broker.PaperBroker
	clock    *degradation.ManualClock
	executor *order.Executor
	handler  *outbox.CloseSubmitHandler
	service  *order.CloseService
	worker   *outbox.Worker
}

func testWorkerConfig(id string) outbox.WorkerConfig {
	return outbox.WorkerConfig{
		ID:                id,
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
		Workers:           2,
		MaxRetries:        3,
		ProcessingTimeout: time.Minute,
		HandlerTimeout:    time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        4 * time.Second,
	}
}

// newFixture wires a memory store and a paper broker that both hold 100 AAPL at 150
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewNopLogger()
	clock := degradation.NewManualClock(epoch)

	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SavePosition(ctx, core.Position{
		AccountID: "acct-1", Symbol: "AAPL", AssetType: core.AssetEquity,
		Quantity: dec("100"), CostBasis: dec("150"),
	}))
	require.NoError(t, st.SaveAccount(ctx, core.Account{AccountID: "acct-1", Cash: dec("1000"), Equity: dec("16000")}))

	b := broker.NewPaperBroker("paper", 1.0)
	b.SetAccount("acct-1", dec("1000"), dec("16000"))
	b.SetPosition("acct-1", "AAPL", dec("100"), dec("150"))

	breaker := degradation.NewCircuitBreaker("broker", degradation.CircuitConfig{
		FailThresholdCount: 100,
		FailWindow:         time.Minute,
		Timeout:            time.Minute,
	}, clock)
	executor := order.NewExecutor(b, breaker, order.ExecutorConfig{Timeout: time.Second}, logger)
	handler := outbox.NewCloseSubmitHandler(st, executor, clock, logger)

	w := outbox.NewWorker(testWorkerConfig("w1"), st, clock, logger)
	w.Register(order.EventCloseSubmit, handler)
	t.Cleanup(func() { _ = w.Stop() })

	return &fixture{
		store:    st,
		broker:   b,
		clock:    clock,
		executor: executor,
		handler:  handler,
		service:  order.NewCloseService(st, degradation.NewGate(normalMode{}), clock, 3, logger),
		worker:   w,
	}
}

func (f *fixture) requestClose(t *testing.T, key string, qty string) *order.CloseRequest {
	t.Helper()
	req, _, err := f.service.RequestClose(context.Background(), order.CloseParams{
		PositionID:     "pos-aapl",
		AccountID:      "acct-1",
		Symbol:         "AAPL",
		Side:           core.SideSell,
		Quantity:       dec(qty),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	return req
}

func (f *fixture) closeRequest(t *testing.T, id string) *order.CloseRequest {
	t.Helper()
	req, err := f.store.GetCloseRequest(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (f *fixture) onlyEvent(t *testing.T) *outbox.Event {
	t.Helper()
	events, err := f.store.List(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func (f *fixture) poll(t *testing.T) int {
	t.Helper()
	n, err := f.worker.Poll(context.Background())
	require.NoError(t, err)
	return n
}
