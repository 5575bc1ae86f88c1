// Package core defines the collaborator interfaces shared across tradeguard
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IBroker defines the order-routing side of a brokerage
type IBroker interface {
	Name() string
	CheckHealth(ctx context.Context) error

	// SubmitOrder places an order. Resubmitting the same ClientOrderID must return
	// the original order instead of creating a second one.
	SubmitOrder(ctx context.Context, req *OrderRequest) (*BrokerOrder, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	GetOrderStatus(ctx context.Context, orderID string) (*BrokerOrder, error)
}

// IBrokerQuery is the read-only account view of a brokerage used by reconciliation
type IBrokerQuery interface {
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
}

// IMarketData is the quote side of a market data feed
type IMarketData interface {
	CheckHealth(ctx context.Context) error
	// LastPrice returns ErrNotFound when the feed has no quote for symbol
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// IRiskEngine approves orders before they are sent. A zero mark means the
// price is unknown. Refusals wrap ErrRiskRejected.
type IRiskEngine interface {
	CheckHealth(ctx context.Context) error
	CheckOrder(ctx context.Context, req *OrderRequest, mark decimal.Decimal) error
}

// IPortfolioProvider exposes the locally recorded positions and balances
type IPortfolioProvider interface {
	GetPositions(ctx context.Context, accountID string) ([]Position, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
}

// IHealthProbe is a lightweight availability/latency check for one dependency
type IHealthProbe interface {
	Check(ctx context.Context) error
}

// HealthProbeFunc adapts a function to IHealthProbe
type HealthProbeFunc func(ctx context.Context) error

func (f HealthProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// IWorker is a background task with its own lifecycle
type IWorker interface {
	Start(ctx context.Context) error
	Stop() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
