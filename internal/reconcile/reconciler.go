package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/dbbuffer"
	"tradeguard/internal/degradation"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Run statuses
const (
	StatusNeverRun  = "never_run"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RecordWriter persists audit records; dbbuffer.GuardedWriter satisfies it
type RecordWriter interface {
	Write(ctx context.Context, kind string, v interface{}) error
}

// Config controls the reconciler
type Config struct {
	AccountIDs       []string
	Interval         time.Duration
	Timeout          time.Duration
	Tolerances       Tolerances
	EventMinSeverity degradation.Severity
}

// ConfigFrom converts the reconciliation config section
func ConfigFrom(c config.ReconciliationConfig) Config {
	return Config{
		AccountIDs:       c.AccountIDs,
		Interval:         c.Interval(),
		Timeout:          c.Timeout(),
		Tolerances:       TolerancesFrom(c),
		EventMinSeverity: degradation.ParseSeverity(c.EventMinSeverity),
	}
}

// Result describes one reconciliation pass for one account
type Result struct {
	ID            string               `json:"id"`
	AccountID     string               `json:"account_id"`
	Status        string               `json:"status"`
	StartedAt     time.Time            `json:"started_at"`
	CompletedAt   time.Time            `json:"completed_at,omitempty"`
	Discrepancies []Discrepancy        `json:"discrepancies"`
	MaxSeverity   degradation.Severity `json:"max_severity,omitempty"`
	Error         string               `json:"error,omitempty"`
}

// Reconciler periodically compares the local ledger with the broker
type Reconciler struct {
	cfg       Config
	broker    core.IBrokerQuery
	portfolio core.IPortfolioProvider
	breaker   *degradation.CircuitBreaker
	records   RecordWriter
	publisher degradation.Publisher
	clock     degradation.Clock
	logger    core.ILogger
	tracer    trace.Tracer
	metrics   *telemetry.MetricsHolder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	statusMu   sync.RWMutex
	lastResult Result
	byAccount  map[string]Result
}

// NewReconciler creates a reconciler. breaker, records and publisher may be nil.
func NewReconciler(
	cfg Config,
	broker core.IBrokerQuery,
	portfolio core.IPortfolioProvider,
	breaker *degradation.CircuitBreaker,
	records RecordWriter,
	publisher degradation.Publisher,
	clock degradation.Clock,
	logger core.ILogger,
) *Reconciler {
	if clock == nil {
		clock = degradation.RealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		cfg:        cfg,
		broker:     broker,
		portfolio:  portfolio,
		breaker:    breaker,
		records:    records,
		publisher:  publisher,
		clock:      clock,
		logger:     logger.WithField("component", "reconciler"),
		tracer:     telemetry.GetTracer("reconciler"),
		metrics:    telemetry.GetGlobalMetrics(),
		ctx:        ctx,
		cancel:     cancel,
		lastResult: Result{Status: StatusNeverRun},
		byAccount:  make(map[string]Result),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.cfg.Interval, "accounts", r.cfg.AccountIDs)

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

// Stop stops the reconciler
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

// TriggerManual reconciles every configured account now
func (r *Reconciler) TriggerManual(ctx context.Context) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, accountID := range r.cfg.AccountIDs {
		res, err := r.Reconcile(ctx, accountID)
		results = append(results, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

// Reconcile performs a single pass for accountID. Discrepancies are reported,
// never corrected.
func (r *Reconciler) Reconcile(ctx context.Context, accountID string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "Reconciler.Reconcile", trace.WithAttributes(attribute.String("account_id", accountID)))
	defer span.End()

	startTime := r.clock.Now().UTC()
	res := Result{
		ID:        fmt.Sprintf("rec_%d", startTime.UnixNano()),
		AccountID: accountID,
		Status:    StatusRunning,
		StartedAt: startTime,
	}
	r.setStatus(res)

	r.logger.Info("Starting reconciliation pass", "id", res.ID, "account_id", accountID)

	local, broker, err := r.snapshots(ctx, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res.Status = StatusFailed
		res.Error = err.Error()
		res.CompletedAt = r.clock.Now().UTC()
		r.setStatus(res)
		r.metrics.RecordReconcileRun(StatusFailed)
		r.audit(ctx, res)
		r.logger.Error("Reconciliation failed", "id", res.ID, "account_id", accountID, "error", err)
		return res, fmt.Errorf("reconcile %s: %w", accountID, err)
	}

	res.Discrepancies = Compare(local, broker, r.cfg.Tolerances)
	res.Status = StatusCompleted
	res.CompletedAt = r.clock.Now().UTC()
	worst, found := MaxSeverity(res.Discrepancies)
	if found {
		res.MaxSeverity = worst
	}
	r.setStatus(res)

	for _, d := range res.Discrepancies {
		r.metrics.RecordDiscrepancy(string(d.Type), string(d.Severity))
		r.logger.Warn("Discrepancy detected",
			"account_id", accountID,
			"type", d.Type,
			"symbol", d.Symbol,
			"severity", d.Severity,
			"expected", d.Expected,
			"actual", d.Actual)
	}
	r.metrics.RecordReconcileRun(StatusCompleted)
	span.SetAttributes(attribute.Int("discrepancies", len(res.Discrepancies)))

	r.audit(ctx, res)
	r.report(ctx, res, found && worst.Rank() >= r.cfg.EventMinSeverity.Rank())

	r.logger.Info("Reconciliation pass completed", "id", res.ID, "account_id", accountID, "discrepancies", len(res.Discrepancies))
	return res, nil
}

// GetStatus returns the most recent result across accounts
func (r *Reconciler) GetStatus() Result {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.lastResult
}

// LastResult returns the most recent result for accountID
func (r *Reconciler) LastResult(accountID string) (Result, bool) {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	res, ok := r.byAccount[accountID]
	return res, ok
}

func (r *Reconciler) setStatus(res Result) {
	r.statusMu.Lock()
	r.lastResult = res
	r.byAccount[res.AccountID] = res
	r.statusMu.Unlock()
}

// snapshots fetches both sides concurrently. The broker side goes through the
// breaker so an unreachable broker fails fast.
func (r *Reconciler) snapshots(ctx context.Context, accountID string) (Snapshot, Snapshot, error) {
	var local, broker Snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.withBreaker(gctx, func(ctx context.Context) error {
			positions, err := r.broker.GetPositions(ctx, accountID)
			if err != nil {
				return fmt.Errorf("failed to get broker positions: %w", err)
			}
			acct, err := optionalAccount(r.broker.GetAccount(ctx, accountID))
			if err != nil {
				return fmt.Errorf("failed to get broker account: %w", err)
			}
			broker = Snapshot{Positions: positions, Account: acct}
			return nil
		})
	})
	g.Go(func() error {
		positions, err := r.portfolio.GetPositions(gctx, accountID)
		if err != nil {
			return fmt.Errorf("failed to get local positions: %w", err)
		}
		acct, err := optionalAccount(r.portfolio.GetAccount(gctx, accountID))
		if err != nil {
			return fmt.Errorf("failed to get local account: %w", err)
		}
		local = Snapshot{Positions: positions, Account: acct}
		return nil
	})

	if err := g.Wait(); err != nil {
		return Snapshot{}, Snapshot{}, err
	}
	return local, broker, nil
}

func (r *Reconciler) withBreaker(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.breaker == nil {
		return fn(ctx)
	}
	return r.breaker.Execute(ctx, fn)
}

// optionalAccount treats an unknown account as absent
func optionalAccount(a *core.Account, err error) (*core.Account, error) {
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (r *Reconciler) audit(ctx context.Context, res Result) {
	if r.records == nil {
		return
	}
	if err := r.records.Write(ctx, dbbuffer.KindReconciliationRun, res); err != nil {
		r.logger.Warn("Failed to record reconciliation run", "id", res.ID, "error", err)
	}
}

// report publishes DiscrepancyDetected (when warranted) before
// ReconciliationCompleted so subscribers see the findings first
func (r *Reconciler) report(ctx context.Context, res Result, detected bool) {
	if r.publisher == nil {
		return
	}
	count := strconv.Itoa(len(res.Discrepancies))

	if detected {
		reason := fmt.Sprintf("%s discrepancies for %s, worst %s", count, res.AccountID, res.MaxSeverity)
		e := degradation.NewEvent(degradation.EventDiscrepancyDetected, "reconciler", res.MaxSeverity, reason, map[string]string{
			degradation.KeyAccount: res.AccountID,
			degradation.KeyCount:   count,
		})
		if err := r.publisher.Publish(ctx, e); err != nil {
			r.logger.Error("Failed to publish discrepancy event", "account_id", res.AccountID, "error", err)
		}
	}

	severity := degradation.SeverityInfo
	if res.MaxSeverity != "" {
		severity = res.MaxSeverity
	}
	e := degradation.NewEvent(degradation.EventReconciliationCompleted, "reconciler", severity,
		fmt.Sprintf("reconciliation %s finished", res.ID), map[string]string{
			degradation.KeyAccount:  res.AccountID,
			degradation.KeyCount:    count,
			degradation.KeyReported: strconv.FormatBool(detected),
		})
	if err := r.publisher.Publish(ctx, e); err != nil {
		r.logger.Warn("Failed to publish reconciliation event", "account_id", res.AccountID, "error", err)
	}
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			for _, accountID := range r.cfg.AccountIDs {
				ctx, cancel := context.WithTimeout(r.ctx, r.cfg.Timeout)
				if _, err := r.Reconcile(ctx, accountID); err != nil {
					r.logger.Error("Reconciliation failed", "account_id", accountID, "error", err.Error())
				}
				cancel()
			}
		}
	}
}
