package broker

import (
	"context"
	"testing"
	"time"

	"tradeguard/internal/core"
	apperrors "tradeguard/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sellAAPL(clientID, qty string) *core.OrderRequest {
	return &core.OrderRequest{
		ClientOrderID: clientID,
		AccountID:     "acct-1",
		Symbol:        "AAPL",
		Side:          core.SideSell,
		Quantity:      dec(qty),
	}
}

func newSeededBroker() *PaperBroker {
	b := NewPaperBroker("paper", 1.0)
	b.SetAccount("acct-1", dec("10000"), dec("25000"))
	b.SetPosition("acct-1", "AAPL", dec("100"), dec("150"))
	return b
}

func TestPaperBroker_IdempotentClientOrderID(t *testing.T) {
	b := newSeededBroker()
	ctx := context.Background()

	first, err := b.SubmitOrder(ctx, sellAAPL("key-0", "10"))
	require.NoError(t, err)
	second, err := b.SubmitOrder(ctx, sellAAPL("key-0", "10"))
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, b.OrderCount())
	assert.Equal(t, 2, b.SubmitCalls())

	positions, err := b.GetPositions(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(dec("90")), "fill applied once")
}

func TestPaperBroker_ScriptedPartialFills(t *testing.T) {
	b := newSeededBroker()
	b.ScriptFills(dec("30"))
	ctx := context.Background()

	order, err := b.SubmitOrder(ctx, sellAAPL("key-0", "100"))
	require.NoError(t, err)
	assert.True(t, order.FilledQty.Equal(dec("30")))
	assert.Equal(t, core.OrderStatusCanceled, order.Status, "remainder is not left working")

	order, err = b.SubmitOrder(ctx, sellAAPL("key-1", "70"))
	require.NoError(t, err)
	assert.True(t, order.FilledQty.Equal(dec("70")))
	assert.Equal(t, core.OrderStatusFilled, order.Status)

	positions, err := b.GetPositions(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, positions)

	acct, err := b.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(dec("25000")), "cash %s", acct.Cash)
}

func TestPaperBroker_InjectedFailures(t *testing.T) {
	b := newSeededBroker()
	b.FailNext(apperrors.ErrNetwork, apperrors.ErrInsufficientFunds)
	ctx := context.Background()

	_, err := b.SubmitOrder(ctx, sellAAPL("a", "1"))
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	_, err = b.SubmitOrder(ctx, sellAAPL("b", "1"))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	_, err = b.SubmitOrder(ctx, sellAAPL("c", "1"))
	assert.NoError(t, err)
}

func TestPaperBroker_ReduceOnlyRejectsWithoutPosition(t *testing.T) {
	b := NewPaperBroker("paper", 1.0)
	req := sellAAPL("x", "5")
	req.ReduceOnly = true
	_, err := b.SubmitOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrOrderRejected)
}

func TestPaperBroker_LatencyHonoursContext(t *testing.T) {
	b := newSeededBroker()
	b.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.SubmitOrder(ctx, sellAAPL("slow", "1"))
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, 0, b.OrderCount())
}

func TestPaperBroker_CancelAndStatus(t *testing.T) {
	b := newSeededBroker()
	ctx := context.Background()
	order, err := b.SubmitOrder(ctx, sellAAPL("k", "1"))
	require.NoError(t, err)

	cancelled, err := b.CancelOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.False(t, cancelled, "filled orders cannot be cancelled")

	got, err := b.GetOrderStatus(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, got.Status)

	_, err = b.GetOrderStatus(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestPositionApplyFill(t *testing.T) {
	p := &core.Position{Quantity: dec("100"), CostBasis: dec("150")}
	cash := p.ApplyFill(core.SideBuy, dec("100"), dec("160"))
	assert.True(t, cash.Equal(dec("-16000")))
	assert.True(t, p.CostBasis.Equal(dec("155")))

	p.ApplyFill(core.SideSell, dec("50"), dec("170"))
	assert.True(t, p.Quantity.Equal(dec("150")))
	assert.True(t, p.CostBasis.Equal(dec("155")), "reducing keeps cost")

	p.ApplyFill(core.SideSell, dec("200"), dec("140"))
	assert.True(t, p.Quantity.Equal(dec("-50")))
	assert.True(t, p.CostBasis.Equal(dec("140")), "flip starts a new cost")
}

func TestPaperFeed_QuotesBrokerPrices(t *testing.T) {
	b := newSeededBroker()
	feed := NewPaperFeed(b)
	ctx := context.Background()

	_, err := feed.LastPrice(ctx, "MSFT")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	b.SetPrice("MSFT", dec("410.5"))
	p, err := feed.LastPrice(ctx, "MSFT")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("410.5")))

	feed.SetHealth(apperrors.ErrNetwork)
	assert.ErrorIs(t, feed.CheckHealth(ctx), apperrors.ErrNetwork)
	_, err = feed.LastPrice(ctx, "MSFT")
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.NoError(t, b.CheckHealth(ctx), "the feed fails on its own")
}
