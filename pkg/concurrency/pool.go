// Package concurrency runs batches of tasks on a bounded alitto/pond pool.
package concurrency

import (
	"fmt"
	"time"

	"tradeguard/internal/core"
	apperrors "tradeguard/pkg/errors"

	"github.com/alitto/pond"
)

// PoolConfig sizes a pool. Zero values take the defaults below.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

const (
	defaultMaxWorkers  = 4
	defaultMaxCapacity = 64
	defaultIdleTimeout = time.Minute
)

// PoolStats is a point-in-time view of the pool counters
type PoolStats struct {
	Running   int
	Idle      int
	Waiting   uint64
	Submitted uint64
	Succeeded uint64
	Failed    uint64
}

// WorkerPool runs tasks with at most MaxWorkers goroutines. A panicking task
// is logged and counted as failed; the pool keeps running.
type WorkerPool struct {
	pool   *pond.WorkerPool
	cfg    PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = defaultMaxCapacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	logger = logger.WithField("pool", cfg.Name)

	return &WorkerPool{
		pool: pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				logger.Error("Task panicked", "panic", p)
			}),
		),
		cfg:    cfg,
		logger: logger,
	}
}

// RunAll runs every task and returns once all of them finished. Tasks beyond
// the worker count wait for a free worker.
func (wp *WorkerPool) RunAll(tasks []func()) {
	if len(tasks) == 0 {
		return
	}
	group := wp.pool.Group()
	for _, task := range tasks {
		group.Submit(task)
	}
	group.Wait()
}

// TrySubmit queues task without blocking; a full queue returns ErrQueueFull
func (wp *WorkerPool) TrySubmit(task func()) error {
	if !wp.pool.TrySubmit(task) {
		return fmt.Errorf("pool %s at capacity %d: %w", wp.cfg.Name, wp.cfg.MaxCapacity, apperrors.ErrQueueFull)
	}
	return nil
}

func (wp *WorkerPool) MaxWorkers() int {
	return wp.cfg.MaxWorkers
}

func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Running:   wp.pool.RunningWorkers(),
		Idle:      wp.pool.IdleWorkers(),
		Waiting:   wp.pool.WaitingTasks(),
		Submitted: wp.pool.SubmittedTasks(),
		Succeeded: wp.pool.SuccessfulTasks(),
		Failed:    wp.pool.FailedTasks(),
	}
}

// Stop waits for queued tasks, then releases the workers
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
