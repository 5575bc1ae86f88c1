package store

import (
	"context"
	"fmt"

	"tradeguard/internal/core"
	"tradeguard/internal/dbbuffer"
	"tradeguard/internal/outbox"
	"tradeguard/internal/trading/order"
)

// Store is everything the service persists
type Store interface {
	order.Repository
	outbox.Store
	core.IPortfolioProvider
	dbbuffer.Sink

	SavePosition(ctx context.Context, p core.Position) error
	SaveAccount(ctx context.Context, a core.Account) error
	ListRecords(ctx context.Context, kind string, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Open returns the store for driver: "sqlite" opens path, "memory" ignores it
func Open(driver, path string, busyTimeoutMs int) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(path, busyTimeoutMs)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
