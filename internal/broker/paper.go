// Package broker provides the paper brokerage used for simulation and tests
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradeguard/internal/core"
	apperrors "tradeguard/pkg/errors"

	"github.com/shopspring/decimal"
)

// PaperBroker is an in-memory brokerage. Orders execute immediately at the
// symbol's price; whatever is not filled is cancelled (immediate-or-cancel).
// SubmitOrder is idempotent by client order id.
type PaperBroker struct {
	name string

	mu             sync.RWMutex
	orders         map[string]*core.BrokerOrder
	clientOrderMap map[string]string
	orderIDCounter int64
	accounts       map[string]*core.Account
	positions      map[string]map[string]*core.Position
	prices         map[string]decimal.Decimal
	fillRatio      decimal.Decimal
	scriptedFills  []decimal.Decimal
	failures       []error
	lostAcks       int
	healthErr      error
	latency        time.Duration
	submitCalls    int
}

// NewPaperBroker creates a broker with no accounts; seed them with SetAccount
func NewPaperBroker(name string, fillRatio float64) *PaperBroker {
	return &PaperBroker{
		name:           name,
		orders:         make(map[string]*core.BrokerOrder),
		clientOrderMap: make(map[string]string),
		orderIDCounter: 1000,
		accounts:       make(map[string]*core.Account),
		positions:      make(map[string]map[string]*core.Position),
		prices:         make(map[string]decimal.Decimal),
		fillRatio:      decimal.NewFromFloat(fillRatio),
	}
}

func (b *PaperBroker) Name() string {
	return b.name
}

// SetAccount sets cash and equity for an account
func (b *PaperBroker) SetAccount(accountID string, cash, equity decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[accountID] = &core.Account{AccountID: accountID, Cash: cash, Equity: equity, UpdatedAt: time.Now().UTC()}
}

// SetPosition sets a position. A zero quantity removes it.
func (b *PaperBroker) SetPosition(accountID, symbol string, qty, costBasis decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	book := b.book(accountID)
	if qty.IsZero() {
		delete(book, symbol)
		return
	}
	book[symbol] = &core.Position{
		AccountID: accountID,
		Symbol:    symbol,
		AssetType: core.AssetEquity,
		Quantity:  qty,
		CostBasis: costBasis,
		UpdatedAt: time.Now().UTC(),
	}
}

// SetPrice sets the execution price for a symbol
func (b *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetFillRatio sets the fraction of each order that executes
func (b *PaperBroker) SetFillRatio(ratio float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillRatio = decimal.NewFromFloat(ratio)
}

// ScriptFills makes the next orders fill exactly the given quantities, in
// order, before falling back to the fill ratio.
func (b *PaperBroker) ScriptFills(qtys ...decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scriptedFills = append(b.scriptedFills, qtys...)
}

// FailNext makes the next len(errs) submissions fail with errs, in order
func (b *PaperBroker) FailNext(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// LoseAcks makes the next n new orders execute normally but answer with
// ErrBrokerTimeout, as if the reply was lost on the way back
func (b *PaperBroker) LoseAcks(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lostAcks += n
}

// SetHealth makes CheckHealth return err
func (b *PaperBroker) SetHealth(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthErr = err
}

// SetLatency delays every call by d, honouring the context
func (b *PaperBroker) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// SubmitCalls counts SubmitOrder calls, including deduplicated ones
func (b *PaperBroker) SubmitCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.submitCalls
}

// OrderCount counts distinct orders
func (b *PaperBroker) OrderCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

func (b *PaperBroker) CheckHealth(ctx context.Context) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthErr
}

// SubmitOrder executes a market order
func (b *PaperBroker) SubmitOrder(ctx context.Context, req *core.OrderRequest) (*core.BrokerOrder, error) {
	if err := b.wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitCalls++

	// Idempotency: a known client order id returns the existing order
	if req.ClientOrderID != "" {
		if existingID, exists := b.clientOrderMap[req.ClientOrderID]; exists {
			if existing, ok := b.orders[existingID]; ok {
				return copyOrder(existing), nil
			}
		}
	}

	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return nil, err
	}

	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", apperrors.ErrInvalidSymbol)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s", apperrors.ErrInvalidOrderParameter, req.Quantity)
	}

	price := b.priceLocked(req.AccountID, req.Symbol)
	filled := b.nextFillLocked(req.Quantity)

	if req.ReduceOnly {
		held := decimal.Zero
		if pos, ok := b.book(req.AccountID)[req.Symbol]; ok {
			held = pos.Quantity
		}
		if (req.Side == core.SideSell && !held.IsPositive()) || (req.Side == core.SideBuy && !held.IsNegative()) {
			return nil, fmt.Errorf("%w: reduce-only %s with position %s", apperrors.ErrOrderRejected, req.Side, held)
		}
		filled = decimal.Min(filled, held.Abs())
	}

	b.orderIDCounter++
	status := core.OrderStatusFilled
	if filled.LessThan(req.Quantity) {
		status = core.OrderStatusCanceled
	}
	order := &core.BrokerOrder{
		OrderID:       fmt.Sprintf("P%d", b.orderIDCounter),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		FilledQty:     filled,
		AvgPrice:      price,
		Status:        status,
		UpdatedAt:     time.Now().UTC(),
	}
	b.orders[order.OrderID] = order
	if order.ClientOrderID != "" {
		b.clientOrderMap[order.ClientOrderID] = order.OrderID
	}

	if filled.IsPositive() {
		b.applyFillLocked(req.AccountID, req.Symbol, req.AssetType, req.Side, filled, price)
	}
	if b.lostAcks > 0 {
		b.lostAcks--
		return nil, fmt.Errorf("%w: reply for %s lost", apperrors.ErrBrokerTimeout, order.ClientOrderID)
	}
	return copyOrder(order), nil
}

func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := b.wait(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	order, exists := b.orders[orderID]
	if !exists {
		return false, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	if order.Status.IsTerminal() {
		return false, nil
	}
	order.Status = core.OrderStatusCanceled
	order.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (b *PaperBroker) GetOrderStatus(ctx context.Context, orderID string) (*core.BrokerOrder, error) {
	if err := b.wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	order, exists := b.orders[orderID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return copyOrder(order), nil
}

// GetPositions returns the account's positions sorted by symbol
func (b *PaperBroker) GetPositions(ctx context.Context, accountID string) ([]core.Position, error) {
	if err := b.wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.healthErr != nil {
		return nil, b.healthErr
	}

	out := make([]core.Position, 0, len(b.positions[accountID]))
	for _, p := range b.positions[accountID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (b *PaperBroker) GetAccount(ctx context.Context, accountID string) (*core.Account, error) {
	if err := b.wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.healthErr != nil {
		return nil, b.healthErr
	}

	acct, ok := b.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", apperrors.ErrNotFound, accountID)
	}
	c := *acct
	return &c, nil
}

func (b *PaperBroker) book(accountID string) map[string]*core.Position {
	book, ok := b.positions[accountID]
	if !ok {
		book = make(map[string]*core.Position)
		b.positions[accountID] = book
	}
	return book
}

func (b *PaperBroker) priceLocked(accountID, symbol string) decimal.Decimal {
	if p, ok := b.prices[symbol]; ok {
		return p
	}
	if pos, ok := b.positions[accountID][symbol]; ok {
		return pos.CostBasis
	}
	return decimal.Zero
}

func (b *PaperBroker) nextFillLocked(qty decimal.Decimal) decimal.Decimal {
	if len(b.scriptedFills) > 0 {
		f := b.scriptedFills[0]
		b.scriptedFills = b.scriptedFills[1:]
		return decimal.Min(f, qty)
	}
	return qty.Mul(b.fillRatio).Truncate(8)
}

func (b *PaperBroker) applyFillLocked(accountID, symbol string, assetType core.AssetType, side core.Side, qty, price decimal.Decimal) {
	book := b.book(accountID)
	pos, ok := book[symbol]
	if !ok {
		if assetType == "" {
			assetType = core.AssetEquity
		}
		pos = &core.Position{AccountID: accountID, Symbol: symbol, AssetType: assetType}
		book[symbol] = pos
	}
	cashDelta := pos.ApplyFill(side, qty, price)
	pos.UpdatedAt = time.Now().UTC()
	if pos.Quantity.IsZero() {
		delete(book, symbol)
	}

	if acct, ok := b.accounts[accountID]; ok {
		acct.Cash = acct.Cash.Add(cashDelta)
		acct.UpdatedAt = time.Now().UTC()
	}
}

func (b *PaperBroker) wait(ctx context.Context) error {
	b.mu.RLock()
	d := b.latency
	b.mu.RUnlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func copyOrder(o *core.BrokerOrder) *core.BrokerOrder {
	c := *o
	return &c
}
