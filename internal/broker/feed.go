package broker

import (
	"context"
	"fmt"
	"sync"

	apperrors "tradeguard/pkg/errors"

	"github.com/shopspring/decimal"
)

// PaperFeed serves the paper broker's prices as a market data feed
type PaperFeed struct {
	broker *PaperBroker

	mu        sync.RWMutex
	healthErr error
}

func NewPaperFeed(b *PaperBroker) *PaperFeed {
	return &PaperFeed{broker: b}
}

// SetHealth makes every feed call fail with err
func (f *PaperFeed) SetHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

func (f *PaperFeed) CheckHealth(ctx context.Context) error {
	if err := f.broker.wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.healthErr
}

// LastPrice returns the price set with SetPrice
func (f *PaperFeed) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := f.CheckHealth(ctx); err != nil {
		return decimal.Zero, err
	}
	f.broker.mu.RLock()
	defer f.broker.mu.RUnlock()
	p, ok := f.broker.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no quote for %s", apperrors.ErrNotFound, symbol)
	}
	return p, nil
}
