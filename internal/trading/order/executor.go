// Package order implements the close request lifecycle and the rate-limited,
// breaker-guarded path that carries order attempts to the broker.
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/telemetry"

	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ExecutorConfig tunes the broker path
type ExecutorConfig struct {
	RateLimit     float64 // calls per second, 0 disables limiting
	Burst         int
	Timeout       time.Duration
	ErrorWindow   time.Duration
	MaxErrorCount int
}

// Executor sends order calls to the broker. Every call waits for the rate
// limiter, is bounded by the broker timeout and is recorded on the broker
// breaker. It does not retry; retries belong to the outbox.
type Executor struct {
	broker  core.IBroker
	breaker *degradation.CircuitBreaker
	logger  core.ILogger
	cfg     ExecutorConfig

	mu          sync.RWMutex
	rateLimiter *rate.Limiter

	// Recent transport errors (ring buffer) for health reporting
	errorMu         sync.Mutex
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int

	tracer       trace.Tracer
	orderCounter metric.Int64Counter
	failCounter  metric.Int64Counter
}

// NewExecutor creates an executor over broker guarded by breaker
func NewExecutor(broker core.IBroker, breaker *degradation.CircuitBreaker, cfg ExecutorConfig, logger core.ILogger) *Executor {
	meter := telemetry.GetMeter("order-executor")
	orderCounter, _ := meter.Int64Counter("order_placements_total",
		metric.WithDescription("Total number of orders sent to the broker"))
	failCounter, _ := meter.Int64Counter("order_failures_total",
		metric.WithDescription("Total number of failed broker order calls"))

	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = 5 * time.Minute
	}
	if cfg.MaxErrorCount <= 0 {
		cfg.MaxErrorCount = 50
	}

	return &Executor{
		broker:          broker,
		breaker:         breaker,
		logger:          logger.WithField("component", "order_executor"),
		cfg:             cfg,
		rateLimiter:     newLimiter(cfg.RateLimit, cfg.Burst),
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
		tracer:          telemetry.GetTracer("order-executor"),
		orderCounter:    orderCounter,
		failCounter:     failCounter,
	}
}

func newLimiter(limit float64, burst int) *rate.Limiter {
	if limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(limit), burst)
}

// SetRateLimit updates the rate limit
func (e *Executor) SetRateLimit(limit float64, burst int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateLimiter = newLimiter(limit, burst)
}

// Submit places an order. Resubmitting the same client order id is safe.
func (e *Executor) Submit(ctx context.Context, req *core.OrderRequest) (*core.BrokerOrder, error) {
	ctx, span := e.tracer.Start(ctx, "Executor.Submit",
		trace.WithAttributes(
			attribute.String("symbol", req.Symbol),
			attribute.String("side", string(req.Side)),
			attribute.String("client_order_id", req.ClientOrderID),
		),
	)
	defer span.End()

	e.orderCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", req.Symbol),
		attribute.String("side", string(req.Side)),
	))

	var order *core.BrokerOrder
	err := e.call(ctx, "submit", func(ctx context.Context) error {
		var err error
		order, err = e.broker.SubmitOrder(ctx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("Order submission failed",
			"symbol", req.Symbol,
			"side", req.Side,
			"client_order_id", req.ClientOrderID,
			"error", err.Error())
		return nil, err
	}
	return order, nil
}

// OrderStatus fetches an order from the broker
func (e *Executor) OrderStatus(ctx context.Context, orderID string) (*core.BrokerOrder, error) {
	var order *core.BrokerOrder
	err := e.call(ctx, "status", func(ctx context.Context) error {
		var err error
		order, err = e.broker.GetOrderStatus(ctx, orderID)
		return err
	})
	return order, err
}

// Cancel cancels an order. false means the broker had nothing left to cancel.
func (e *Executor) Cancel(ctx context.Context, orderID string) (bool, error) {
	var cancelled bool
	err := e.call(ctx, "cancel", func(ctx context.Context) error {
		var err error
		cancelled, err = e.broker.CancelOrder(ctx, orderID)
		return err
	})
	if err == nil {
		e.logger.Debug("Order cancel requested", "order_id", orderID, "cancelled", cancelled)
	}
	return cancelled, err
}

// call applies rate limiting, the timeout and breaker accounting. A broker
// rejection proves the broker is reachable, so only transport failures count
// against the breaker.
func (e *Executor) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	e.mu.RLock()
	limiter := e.rateLimiter
	e.mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	if e.breaker != nil && !e.breaker.AllowRequest() {
		return fmt.Errorf("broker %s: %w", op, apperrors.ErrCircuitOpen)
	}

	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %s after %s: %v", apperrors.ErrBrokerTimeout, op, e.cfg.Timeout, err)
	}

	transport := err != nil && apperrors.IsRetryable(err)
	if e.breaker != nil {
		if transport {
			e.breaker.RecordFailure()
		} else {
			e.breaker.RecordSuccess()
		}
	}
	if err != nil {
		e.failCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("retryable", transport),
		))
		if transport {
			e.recordError()
		}
	}
	return err
}

// CheckHealth probes the broker and reports a high recent error rate
func (e *Executor) CheckHealth(ctx context.Context) error {
	if err := e.broker.CheckHealth(ctx); err != nil {
		return err
	}
	if n := e.recentErrorCount(e.cfg.ErrorWindow); n > e.cfg.MaxErrorCount {
		return fmt.Errorf("high broker error rate: %d errors in last %s", n, e.cfg.ErrorWindow)
	}
	return nil
}

// recordError adds an error timestamp (ring buffer)
func (e *Executor) recordError() {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	if len(e.errorTimestamps) < e.errorCapacity {
		e.errorTimestamps = append(e.errorTimestamps, time.Now())
	} else {
		e.errorTimestamps[e.errorIndex] = time.Now()
		e.errorIndex = (e.errorIndex + 1) % e.errorCapacity
	}
}

func (e *Executor) recentErrorCount(window time.Duration) int {
	e.errorMu.Lock()
	defer e.errorMu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range e.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}
