// Package risk holds the pre-trade checks applied before an order is sent to
// the broker.
package risk

import (
	"context"
	"fmt"
	"sync"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	apperrors "tradeguard/pkg/errors"

	"github.com/shopspring/decimal"
)

// Limits cap a single order. A zero cap is not enforced.
type Limits struct {
	MaxOrderQty      decimal.Decimal
	MaxOrderNotional decimal.Decimal
}

func LimitsFrom(c config.RiskConfig) Limits {
	return Limits{
		MaxOrderQty:      config.Decimal(c.MaxOrderQty),
		MaxOrderNotional: config.Decimal(c.MaxOrderNotional),
	}
}

// LimitEngine is the in-process risk engine
type LimitEngine struct {
	mu        sync.RWMutex
	limits    Limits
	healthErr error
}

func NewLimitEngine(limits Limits) *LimitEngine {
	return &LimitEngine{limits: limits}
}

// SetLimits replaces the limits
func (e *LimitEngine) SetLimits(limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = limits
}

// SetHealth makes every call fail with err
func (e *LimitEngine) SetHealth(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthErr = err
}

func (e *LimitEngine) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthErr
}

// CheckOrder enforces the quantity cap, and the notional cap when mark is known
func (e *LimitEngine) CheckOrder(ctx context.Context, req *core.OrderRequest, mark decimal.Decimal) error {
	if err := e.CheckHealth(ctx); err != nil {
		return err
	}
	e.mu.RLock()
	limits := e.limits
	e.mu.RUnlock()

	if limits.MaxOrderQty.IsPositive() && req.Quantity.GreaterThan(limits.MaxOrderQty) {
		return fmt.Errorf("%w: %s quantity %s above limit %s", apperrors.ErrRiskRejected, req.Symbol, req.Quantity, limits.MaxOrderQty)
	}
	if limits.MaxOrderNotional.IsPositive() && mark.IsPositive() {
		if notional := req.Quantity.Mul(mark); notional.GreaterThan(limits.MaxOrderNotional) {
			return fmt.Errorf("%w: %s notional %s above limit %s", apperrors.ErrRiskRejected, req.Symbol, notional, limits.MaxOrderNotional)
		}
	}
	return nil
}
