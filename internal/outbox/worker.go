package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	"tradeguard/pkg/concurrency"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/retry"
	"tradeguard/pkg/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WorkerConfig tunes polling, retries and timeouts
type WorkerConfig struct {
	ID                string
	PollInterval      time.Duration
	BatchSize         int
	Workers           int
	MaxRetries        int
	ProcessingTimeout time.Duration
	HandlerTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// WorkerConfigFrom converts the configured outbox section
func WorkerConfigFrom(c config.OutboxConfig) WorkerConfig {
	return WorkerConfig{
		PollInterval:      c.PollInterval(),
		BatchSize:         c.BatchSize,
		Workers:           c.Workers,
		MaxRetries:        c.MaxRetries,
		ProcessingTimeout: c.ProcessingTimeout(),
		HandlerTimeout:    c.BrokerTimeout(),
		BackoffBase:       c.RetryBackoffBase(),
		BackoffMax:        c.RetryBackoffMax(),
	}
}

// Worker polls the outbox, claims due rows and dispatches them to handlers
// on a bounded pool. Several workers may share one store.
type Worker struct {
	cfg      WorkerConfig
	store    Store
	pool     *concurrency.WorkerPool
	clock    degradation.Clock
	logger   core.ILogger
	tracer   trace.Tracer
	metrics  *telemetry.MetricsHolder
	handlers map[string]Handler
	gate     CloseGate
	mu       sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorker creates a worker. A blank cfg.ID gets a random one.
func NewWorker(cfg WorkerConfig, store Store, clock degradation.Clock, logger core.ILogger) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if clock == nil {
		clock = degradation.RealClock()
	}
	logger = logger.WithField("component", "outbox_worker").WithField("worker_id", cfg.ID)

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:   cfg,
		store: store,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "outbox-" + cfg.ID,
			MaxWorkers:  cfg.Workers,
			MaxCapacity: cfg.BatchSize,
		}, logger),
		clock:    clock,
		logger:   logger,
		tracer:   telemetry.GetTracer("outbox-worker"),
		metrics:  telemetry.GetGlobalMetrics(),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the worker id written to claimed rows
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Register routes eventType to h
func (w *Worker) Register(eventType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[eventType] = h
}

// CloseGate reports whether broker-bound work may run in the current mode
type CloseGate interface {
	CheckClose() error
}

// SetGate pauses claiming while gate refuses closes. Paused rows stay PENDING
// and keep their retry budget.
func (w *Worker) SetGate(gate CloseGate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gate = gate
}

// Start begins the polling loop
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting outbox worker",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"workers", w.cfg.Workers)
	w.wg.Add(1)
	go w.runLoop(ctx)
	return nil
}

// Stop waits for in-flight deliveries to settle
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping outbox worker")
		w.cancel()
		w.wg.Wait()
		w.pool.Stop()
	})
	return nil
}

func (w *Worker) runLoop(parent context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-parent.Done():
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := w.Poll(w.ctx)
				if err != nil {
					w.logger.Error("Outbox poll failed", "error", err.Error())
					break
				}
				// A full batch means more rows may be due
				if n < w.cfg.BatchSize || w.ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// Poll claims one batch and dispatches it, returning the number claimed
func (w *Worker) Poll(ctx context.Context) (int, error) {
	w.mu.RLock()
	gate := w.gate
	w.mu.RUnlock()
	if gate != nil {
		if err := gate.CheckClose(); err != nil {
			w.logger.Debug("Outbox paused by trading gate", "reason", err.Error())
			return 0, nil
		}
	}

	now := w.clock.Now().UTC()
	staleBefore := now.Add(-w.cfg.ProcessingTimeout)
	if w.cfg.ProcessingTimeout <= 0 {
		staleBefore = time.Time{}
	}

	events, err := w.store.Claim(ctx, w.cfg.ID, now, staleBefore, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	tasks := make([]func(), 0, len(events))
	for _, e := range events {
		tasks = append(tasks, func() { w.dispatch(ctx, e) })
	}
	w.pool.RunAll(tasks)

	ps := w.pool.Stats()
	w.logger.Debug("Outbox batch dispatched", "claimed", len(events), "pool_failed", ps.Failed, "pool_submitted", ps.Submitted)
	return len(events), nil
}

func (w *Worker) handler(eventType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[eventType]
	return h, ok
}

func (w *Worker) dispatch(ctx context.Context, e *Event) {
	ctx, span := w.tracer.Start(ctx, "OutboxWorker.dispatch",
		trace.WithAttributes(
			attribute.Int64("outbox.id", e.ID),
			attribute.String("outbox.type", e.EventType),
			attribute.Int("outbox.retry_count", e.RetryCount),
		),
	)
	defer span.End()

	start := time.Now()
	var res Result
	if h, ok := w.handler(e.EventType); ok {
		res = w.invoke(ctx, h, e)
	} else {
		res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("%w: %s", apperrors.ErrNoHandler, e.EventType)}
	}
	w.metrics.RecordOutboxLatency(e.EventType, float64(time.Since(start).Milliseconds()))

	settlement := w.settlement(e, res)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}

	// Settle even if the worker is stopping; the broker call already happened
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.store.Settle(settleCtx, e.ID, w.cfg.ID, settlement); err != nil {
		if errors.Is(err, apperrors.ErrClaimLost) {
			w.logger.Warn("Outbox claim lost, outcome discarded", "id", e.ID, "type", e.EventType)
			return
		}
		w.logger.Error("Failed to settle outbox event", "id", e.ID, "type", e.EventType, "error", err.Error())
		return
	}

	w.metrics.RecordOutboxResult(e.EventType, outcomeOf(settlement.Status).String())
	switch settlement.Status {
	case StatusCompleted:
		w.logger.Debug("Outbox event completed", "id", e.ID, "type", e.EventType)
	case StatusPending:
		w.logger.Warn("Outbox event will be retried",
			"id", e.ID,
			"type", e.EventType,
			"retry_count", settlement.RetryCount,
			"next_attempt_at", settlement.NextAttemptAt,
			"error", settlement.LastError)
	case StatusFailed:
		w.logger.Error("Outbox event failed",
			"id", e.ID,
			"type", e.EventType,
			"retry_count", settlement.RetryCount,
			"error", settlement.LastError)
	}
}

// invoke bounds the handler by the handler timeout and contains panics
func (w *Worker) invoke(ctx context.Context, h Handler, e *Event) (res Result) {
	if w.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			res = Result{Outcome: OutcomeRetry, Err: fmt.Errorf("handler panic: %v", p)}
		}
	}()

	res = h.Handle(ctx, e)
	if res.Err == nil && res.Outcome != OutcomeCompleted && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Err = apperrors.ErrBrokerTimeout
	}
	return res
}

// settlement turns a handler result into the row update. Retries are capped
// by MaxRetries; a capped close request is failed alongside its row.
func (w *Worker) settlement(e *Event, res Result) Settlement {
	now := w.clock.Now().UTC()
	s := Settlement{
		RetryCount: e.RetryCount,
		Close:      res.Close,
		CloseFrom:  res.CloseFrom,
		Fill:       res.Fill,
	}
	if res.Err != nil {
		s.LastError = res.Err.Error()
	}

	switch res.Outcome {
	case OutcomeCompleted:
		s.Status = StatusCompleted
		s.LastError = ""
		s.ProcessedAt = now
	case OutcomeRetry:
		s.RetryCount = e.RetryCount + 1
		if w.cfg.MaxRetries > 0 && s.RetryCount > w.cfg.MaxRetries {
			s.Status = StatusFailed
			s.ProcessedAt = now
			s.LastError = fmt.Sprintf("%s: %s", apperrors.ErrRetryBudgetExhausted, s.LastError)
			if s.Close != nil && !s.Close.Status.IsTerminal() {
				_ = s.Close.Fail(s.LastError, now)
			}
			break
		}
		s.Status = StatusPending
		s.NextAttemptAt = now.Add(w.backoff(s.RetryCount))
	default:
		s.Status = StatusFailed
		s.ProcessedAt = now
		if s.LastError == "" {
			s.LastError = "handler reported failure"
		}
	}
	return s
}

// backoff is base * 2^(retry-1), capped at BackoffMax
func (w *Worker) backoff(retries int) time.Duration {
	return retry.Exponential(w.cfg.BackoffBase, w.cfg.BackoffMax, retries-1)
}

func outcomeOf(s Status) Outcome {
	switch s {
	case StatusCompleted:
		return OutcomeCompleted
	case StatusPending:
		return OutcomeRetry
	default:
		return OutcomeFailed
	}
}
