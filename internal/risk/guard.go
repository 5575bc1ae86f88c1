package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"

	"github.com/shopspring/decimal"
)

// Guard asks the risk engine about each order before it is sent, pricing it
// from the market data feed. Both dependencies are called through their own
// breaker. Either breaker may be nil.
type Guard struct {
	engine      core.IRiskEngine
	feed        core.IMarketData
	riskBreaker *degradation.CircuitBreaker
	feedBreaker *degradation.CircuitBreaker
	timeout     time.Duration
	logger      core.ILogger
}

func NewGuard(engine core.IRiskEngine, feed core.IMarketData, riskBreaker, feedBreaker *degradation.CircuitBreaker, timeout time.Duration, logger core.ILogger) *Guard {
	return &Guard{
		engine:      engine,
		feed:        feed,
		riskBreaker: riskBreaker,
		feedBreaker: feedBreaker,
		timeout:     timeout,
		logger:      logger.WithField("component", "risk_guard"),
	}
}

// Check returns the engine's rejection. When the engine cannot answer,
// reduce-only orders go out unchecked and anything else is refused.
func (g *Guard) Check(ctx context.Context, req *core.OrderRequest) error {
	mark := g.mark(ctx, req.Symbol)

	err := g.ask(ctx, req, mark)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrRiskRejected):
		g.logger.Warn("Order rejected by risk check",
			"client_order_id", req.ClientOrderID,
			"symbol", req.Symbol,
			"quantity", req.Quantity,
			"mark", mark,
			"error", err)
		return err
	case req.ReduceOnly:
		g.logger.Warn("Risk engine unavailable, reduce-only order sent unchecked",
			"client_order_id", req.ClientOrderID,
			"symbol", req.Symbol,
			"error", err)
		return nil
	default:
		return fmt.Errorf("risk check: %w", err)
	}
}

// ask calls the engine. A rejection is an answer and counts as a success.
func (g *Guard) ask(ctx context.Context, req *core.OrderRequest, mark decimal.Decimal) error {
	if g.riskBreaker != nil && !g.riskBreaker.AllowRequest() {
		return apperrors.ErrCircuitOpen
	}
	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	err := g.engine.CheckOrder(callCtx, req, mark)
	if g.riskBreaker != nil {
		if err != nil && !errors.Is(err, apperrors.ErrRiskRejected) {
			g.riskBreaker.RecordFailure()
		} else {
			g.riskBreaker.RecordSuccess()
		}
	}
	return err
}

// mark is zero when no usable quote is available
func (g *Guard) mark(ctx context.Context, symbol string) decimal.Decimal {
	if g.feed == nil || (g.feedBreaker != nil && !g.feedBreaker.AllowRequest()) {
		return decimal.Zero
	}
	callCtx, cancel := g.callContext(ctx)
	defer cancel()

	price, err := g.feed.LastPrice(callCtx, symbol)
	switch {
	case err == nil:
		g.recordFeed(true)
		return price
	case errors.Is(err, apperrors.ErrNotFound):
		g.recordFeed(true)
	default:
		g.recordFeed(false)
		g.logger.Debug("No mark price", "symbol", symbol, "error", err)
	}
	return decimal.Zero
}

func (g *Guard) recordFeed(ok bool) {
	if g.feedBreaker == nil {
		return
	}
	if ok {
		g.feedBreaker.RecordSuccess()
	} else {
		g.feedBreaker.RecordFailure()
	}
}

func (g *Guard) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
