package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
)

// Cleaner periodically deletes settled rows older than the retention period
type Cleaner struct {
	store     Store
	clock     degradation.Clock
	logger    core.ILogger
	interval  time.Duration
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleaner creates a cleaner
func NewCleaner(store Store, clock degradation.Clock, logger core.ILogger, interval, retention time.Duration) *Cleaner {
	if clock == nil {
		clock = degradation.RealClock()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cleaner{
		store:     store,
		clock:     clock,
		logger:    logger.WithField("component", "outbox_cleaner"),
		interval:  interval,
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the cleaner loop
func (c *Cleaner) Start(ctx context.Context) error {
	c.logger.Info("Starting outbox cleaner", "interval", c.interval, "retention", c.retention)
	c.wg.Add(1)
	go c.runLoop()
	return nil
}

// Stop stops the cleaner
func (c *Cleaner) Stop() error {
	c.logger.Info("Stopping outbox cleaner")
	c.cancel()
	c.wg.Wait()
	return nil
}

// Cleanup performs a single pass and returns the number of rows removed
func (c *Cleaner) Cleanup(ctx context.Context) (int64, error) {
	cutoff := c.clock.Now().UTC().Add(-c.retention)
	n, err := c.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete settled outbox rows: %w", err)
	}
	if n > 0 {
		c.logger.Info("Removed settled outbox rows", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (c *Cleaner) runLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
			if _, err := c.Cleanup(ctx); err != nil {
				c.logger.Error("Cleanup failed", "error", err.Error())
			}
			cancel()
		}
	}
}
