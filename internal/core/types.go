package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// AssetType of the traded instrument
type AssetType string

const (
	AssetEquity AssetType = "EQUITY"
	AssetOption AssetType = "OPTION"
	AssetCrypto AssetType = "CRYPTO"
)

// OrderStatus as reported by the broker
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the broker will not fill the order any further
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRequest is a market order sent to the broker
type OrderRequest struct {
	ClientOrderID string
	AccountID     string
	Symbol        string
	Side          Side
	AssetType     AssetType
	Quantity      decimal.Decimal
	ReduceOnly    bool
}

// BrokerOrder is the broker's view of an order. FilledQty is cumulative for the order.
type BrokerOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Status        OrderStatus
	UpdatedAt     time.Time
}

// Position held in an account. CostBasis is the average cost per unit.
type Position struct {
	AccountID string
	Symbol    string
	AssetType AssetType
	Quantity  decimal.Decimal
	CostBasis decimal.Decimal
	UpdatedAt time.Time
}

// Account balances
type Account struct {
	AccountID string
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	UpdatedAt time.Time
}

// ApplyFill moves the position by a fill of qty at price. Adding to the
// position averages the cost; reducing keeps it; flipping through zero starts
// a new cost at price. It returns the signed cash change.
func (p *Position) ApplyFill(side Side, qty, price decimal.Decimal) decimal.Decimal {
	delta := qty
	if side == SideSell {
		delta = qty.Neg()
	}
	next := p.Quantity.Add(delta)

	switch {
	case p.Quantity.IsZero() || p.Quantity.Sign() != next.Sign() && !next.IsZero():
		p.CostBasis = price
	case p.Quantity.Sign() == delta.Sign():
		total := p.Quantity.Abs().Mul(p.CostBasis).Add(qty.Mul(price))
		p.CostBasis = total.Div(next.Abs())
	}
	if next.IsZero() {
		p.CostBasis = decimal.Zero
	}
	p.Quantity = next
	return delta.Mul(price).Neg()
}

// Fill is an execution to be applied to the local ledger
type Fill struct {
	AccountID string
	Symbol    string
	AssetType AssetType
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
}
