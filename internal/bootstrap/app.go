// Package bootstrap builds the service graph from configuration and runs it
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradeguard/internal/alert"
	"tradeguard/internal/broker"
	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/dbbuffer"
	"tradeguard/internal/degradation"
	"tradeguard/internal/infrastructure/health"
	"tradeguard/internal/infrastructure/metrics"
	"tradeguard/internal/infrastructure/server"
	"tradeguard/internal/outbox"
	"tradeguard/internal/reconcile"
	"tradeguard/internal/risk"
	"tradeguard/internal/store"
	"tradeguard/internal/trading/order"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/liveserver"
	"tradeguard/pkg/retry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"golang.org/x/sync/errgroup"
)

// Options override parts of the graph, mostly for tests
type Options struct {
	Clock  degradation.Clock
	Store  store.Store
	Broker *broker.PaperBroker
	// DBOSContext is required when app.engine_type is dbos
	DBOSContext dbos.DBOSContext
	// DisableServers skips every network listener
	DisableServers bool
}

// App holds every long-lived component
type App struct {
	Cfg    *Config
	Logger core.ILogger
	Clock  degradation.Clock

	Store    store.Store
	Broker   *broker.PaperBroker
	Feed     *broker.PaperFeed
	Risk     *risk.LimitEngine
	Bus      *degradation.EventBus
	Tracker  *degradation.StatusTracker
	Breakers *degradation.BreakerRegistry
	State    *degradation.SystemStateService
	Gate     *degradation.Gate
	Recovery *degradation.RecoveryOrchestrator
	Health   *health.HealthManager

	Buffer *dbbuffer.Buffer
	Writer *dbbuffer.GuardedWriter

	Executor   *order.Executor
	PreTrade   *risk.Guard
	Closes     *order.CloseService
	Outbox     *outbox.Worker
	Cleaner    *outbox.Cleaner
	Durable    *outbox.DurableDispatcher
	Reconciler *reconcile.Reconciler
	Alerts     *alert.AlertManager

	StatusServer  *server.StatusServer
	MetricsServer *metrics.Server
	GRPCHealth    *server.GateHealthServer
	StreamServer  *liveserver.Server
	hub           *liveserver.Hub

	workers   []core.IWorker
	hubCancel context.CancelFunc
}

// NewApp wires the service. Nothing runs until Start; the store is opened and
// the dependencies are probed once so the first mode reflects reality.
func NewApp(ctx context.Context, cfg *Config, logger core.ILogger, opts Options) (*App, error) {
	clock := opts.Clock
	if clock == nil {
		clock = degradation.RealClock()
	}
	a := &App{
		Cfg:    cfg,
		Logger: logger.WithField("component", "app"),
		Clock:  clock,
	}

	if err := a.openStore(ctx, opts.Store); err != nil {
		return nil, err
	}
	a.Broker = opts.Broker
	if a.Broker == nil {
		a.Broker = broker.NewPaperBroker(cfg.Broker.Type, cfg.Broker.FillRatio)
	}
	if err := a.seedAccounts(ctx, opts.Broker == nil); err != nil {
		_ = a.Store.Close()
		return nil, err
	}

	a.Bus = degradation.NewEventBus(degradation.BusConfigFrom(cfg.EventBus), logger)
	a.Tracker = degradation.NewStatusTracker(cfg.Degradation.StatusTTL(), cfg.Degradation.UnknownOnTTLExpiry, clock)
	a.Tracker.Register(degradation.ComponentBroker, -1, degradation.StatusUnknown)
	a.Tracker.Register(degradation.ComponentDatabase, -1, degradation.StatusUnknown)
	a.Tracker.Register(degradation.ComponentMarketData, -1, degradation.StatusUnknown)
	a.Tracker.Register(degradation.ComponentRisk, -1, degradation.StatusUnknown)
	if cfg.Reconciliation.Enabled {
		// Driven by reconciliation results, never by a probe
		a.Tracker.Register(degradation.ComponentReconciliation, 0, degradation.StatusHealthy)
	}
	a.Breakers = degradation.NewBreakerRegistry(cfg, a.Tracker, a.Bus, clock, logger)

	a.Executor = order.NewExecutor(a.Broker, a.Breakers.Get(degradation.ComponentBroker), order.ExecutorConfig{
		RateLimit:     cfg.Outbox.BrokerRateLimit,
		Burst:         cfg.Outbox.BrokerBurst,
		Timeout:       cfg.Outbox.BrokerTimeout(),
		ErrorWindow:   cfg.Breaker(config.ComponentBroker).Window(),
		MaxErrorCount: cfg.Breaker(config.ComponentBroker).FailThresholdCount,
	}, logger)

	a.Feed = broker.NewPaperFeed(a.Broker)
	a.Risk = risk.NewLimitEngine(risk.LimitsFrom(cfg.Risk))
	a.PreTrade = risk.NewGuard(a.Risk, a.Feed,
		a.Breakers.Get(degradation.ComponentRisk), a.Breakers.Get(degradation.ComponentMarketData),
		cfg.Risk.CheckTimeout(), logger)

	a.Health = health.NewHealthManager(cfg.Health, a.Tracker, a.Breakers, clock, logger)
	a.Health.Register(degradation.ComponentBroker, core.HealthProbeFunc(a.Executor.CheckHealth), 0)
	a.Health.Register(degradation.ComponentDatabase, core.HealthProbeFunc(a.Store.Ping), 0)
	a.Health.Register(degradation.ComponentMarketData, core.HealthProbeFunc(a.Feed.CheckHealth), 0)
	a.Health.Register(degradation.ComponentRisk, core.HealthProbeFunc(a.Risk.CheckHealth), 0)
	a.Health.ProbeAll(ctx)

	stateCfg, err := degradation.StateConfigFrom(cfg.Degradation)
	if err != nil {
		_ = a.Store.Close()
		return nil, fmt.Errorf("degradation policy: %w", err)
	}
	a.State = degradation.NewSystemStateService(stateCfg, a.Tracker, a.Bus, clock, logger)
	a.Gate = degradation.NewGate(a.State)
	a.Recovery = degradation.NewRecoveryOrchestrator(
		degradation.RecoveryConfigFrom(cfg.Recovery, cfg.Degradation),
		stateCfg.Matrix, a.Tracker, a.Health, a.Bus, clock, logger)

	if err := a.buildBuffer(); err != nil {
		_ = a.Store.Close()
		return nil, err
	}

	if err := a.buildOutbox(opts.DBOSContext); err != nil {
		_ = a.Buffer.Close()
		_ = a.Store.Close()
		return nil, err
	}

	if cfg.Reconciliation.Enabled {
		a.Reconciler = reconcile.NewReconciler(reconcile.ConfigFrom(cfg.Reconciliation),
			a.Broker, a.Store, a.Breakers.Get(degradation.ComponentBroker),
			a.Writer, a.Bus, clock, logger)
	}

	a.Alerts = alert.NewAlertManager(logger)
	if cfg.Alert.SlackWebhookURL != "" {
		a.Alerts.AddChannel(alert.NewSlackChannel(cfg.Alert.SlackWebhookURL), alert.AlertLevel(cfg.Alert.SlackMinLevel))
	}
	if cfg.Alert.TelegramBotToken != "" {
		a.Alerts.AddChannel(alert.NewTelegramChannel(cfg.Alert.TelegramBotToken, cfg.Alert.TelegramChatID), alert.AlertLevel(cfg.Alert.TelegramMinLevel))
	}

	if !opts.DisableServers {
		a.buildServers()
	}
	a.subscribe()
	return a, nil
}

func (a *App) openStore(ctx context.Context, s store.Store) error {
	if s == nil {
		var err error
		db := a.Cfg.Database
		s, err = store.Open(db.Driver, db.Path, db.BusyTimeoutMs)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
	}

	// A database that is still starting gets a few chances
	err := retry.Do(ctx, retry.DefaultPolicy, func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}, func() error {
		return s.Ping(ctx)
	})
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("store unreachable: %w", err)
	}
	a.Store = s
	return nil
}

// seedAccounts gives a fresh paper broker its starting cash and records the
// same balance locally when the ledger has never seen the account
func (a *App) seedAccounts(ctx context.Context, seedBroker bool) error {
	cash := config.Decimal(a.Cfg.Broker.InitialCash)
	for _, id := range a.Cfg.Reconciliation.AccountIDs {
		if seedBroker {
			a.Broker.SetAccount(id, cash, cash)
		}
		if _, err := a.Store.GetAccount(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("read account %s: %w", id, err)
		}
		if err := a.Store.SaveAccount(ctx, core.Account{AccountID: id, Cash: cash, Equity: cash, UpdatedAt: a.Clock.Now().UTC()}); err != nil {
			return fmt.Errorf("seed account %s: %w", id, err)
		}
	}
	return nil
}

func (a *App) buildBuffer() error {
	var journal dbbuffer.Journal
	if a.Cfg.DBBuffer.WALEnabled {
		j, err := dbbuffer.OpenBadgerJournal(dbbuffer.JournalOptions{Path: a.Cfg.DBBuffer.WALPath}, a.Logger)
		if err != nil {
			return fmt.Errorf("open buffer journal: %w", err)
		}
		journal = j
	}

	buf, err := dbbuffer.New(dbbuffer.ConfigFrom(a.Cfg.DBBuffer), journal, a.Clock, a.Bus, a.Logger)
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return fmt.Errorf("db buffer: %w", err)
	}
	a.Buffer = buf
	a.Writer = dbbuffer.NewGuardedWriter(buf, a.Store, a.Breakers.Get(degradation.ComponentDatabase), a.Cfg.DBBuffer.DrainInterval(), a.Logger)
	return nil
}

func (a *App) buildOutbox(dbosCtx dbos.DBOSContext) error {
	cfg := a.Cfg
	a.Closes = order.NewCloseService(a.Store, a.Gate, a.Clock, cfg.Outbox.CloseMaxRetries, a.Logger)
	a.Outbox = outbox.NewWorker(outbox.WorkerConfigFrom(cfg.Outbox), a.Store, a.Clock, a.Logger)
	a.Outbox.SetGate(a.Gate)

	handler := outbox.NewCloseSubmitHandler(a.Store, a.Executor, a.Clock, a.Logger)
	handler.SetPreTradeCheck(a.PreTrade)
	switch cfg.App.EngineType {
	case "dbos":
		if dbosCtx == nil {
			return fmt.Errorf("engine_type dbos needs a DBOS context")
		}
		a.Durable = outbox.NewDurableDispatcher(dbosCtx, handler, a.Logger)
		a.Durable.Register()
		a.Outbox.Register(order.EventCloseSubmit, a.Durable)
	default:
		a.Outbox.Register(order.EventCloseSubmit, handler)
	}

	a.Cleaner = outbox.NewCleaner(a.Store, a.Clock, a.Logger, cfg.Outbox.CleanupInterval(), cfg.Outbox.Retention())
	return nil
}

func (a *App) buildServers() {
	cfg := a.Cfg
	sources := server.Sources{
		Mode:       a.State,
		Components: a.Tracker,
		Breakers:   a.Breakers,
		Outbox:     a.Store,
		Buffer:     a.Buffer,
		Recovery:   a.Recovery,
	}
	if a.Reconciler != nil {
		sources.Reconciler = a.Reconciler
	}
	a.StatusServer = server.NewStatusServer(cfg.Server.StatusPort, sources, a.Logger)
	if cfg.Telemetry.EnableMetrics {
		a.MetricsServer = metrics.NewServer(metrics.Options{Port: cfg.Telemetry.MetricsPort, Path: cfg.Telemetry.MetricsPath}, a.Logger)
	}
	a.GRPCHealth = server.NewGateHealthServer(cfg.Server.GRPCHealthPort, a.State.Mode(), a.Logger)

	a.hub = liveserver.NewHub(a.Logger)
	opts := liveserver.DefaultOptions()
	opts.Port = cfg.Server.StreamPort
	opts.AllowedOrigins = cfg.Server.AllowedOrigins
	a.StreamServer = liveserver.NewServer(a.hub, opts, a.Logger)
}

func (a *App) subscribe() {
	a.Bus.Subscribe("system_state", a.State.HandleEvent, a.State.SubscribedEvents()...)
	a.Bus.Subscribe("db_buffer_drain", a.Writer.HandleEvent, degradation.EventComponentStatusChanged)
	a.Bus.Subscribe("audit", a.audit)

	alerts := alert.NewBusSubscriber(a.Alerts, a.Cfg.Degradation.AlertOnUnstable)
	a.Bus.Subscribe("alerts", alerts.HandleEvent, alerts.SubscribedEvents()...)

	if a.GRPCHealth != nil {
		a.Bus.Subscribe("grpc_health", a.GRPCHealth.HandleEvent, degradation.EventModeTransition)
	}
	if a.StreamServer != nil {
		stream := server.NewEventStream(a.hub, a.State)
		a.StreamServer.SetHello(stream.Hello)
		a.Bus.Subscribe("event_stream", stream.HandleEvent)
	}
}

// audit persists every event through the guarded writer. Overflow reports are
// skipped: recording them could only add to the overflow.
func (a *App) audit(ctx context.Context, e degradation.SystemEvent) {
	if e.Type == degradation.EventBufferOverflow {
		return
	}
	if err := a.Writer.Write(ctx, dbbuffer.KindSystemEvent, e); err != nil {
		a.Logger.Warn("Failed to record system event", "type", e.Type, "error", err)
	}
}

// Start launches the components in dependency order. A failure stops
// whatever already started.
func (a *App) Start(ctx context.Context) error {
	a.Logger.Info("Starting tradeguard",
		"name", a.Cfg.App.Name,
		"engine", a.Cfg.App.EngineType,
		"mode", a.State.Mode(),
		"reconciliation", a.Reconciler != nil)

	steps := []core.IWorker{a.Bus, a.Writer, a.State, a.Health, a.Recovery}
	if a.Durable != nil {
		steps = append(steps, a.Durable)
	}
	steps = append(steps, a.Outbox, a.Cleaner)
	if a.Reconciler != nil {
		steps = append(steps, a.Reconciler)
	}
	if a.StatusServer != nil {
		steps = append(steps, a.StatusServer)
	}
	if a.MetricsServer != nil {
		steps = append(steps, a.MetricsServer)
	}
	if a.GRPCHealth != nil {
		a.GRPCHealth.Apply(a.State.Mode())
		steps = append(steps, a.GRPCHealth)
	}
	if a.StreamServer != nil {
		hubCtx, cancel := context.WithCancel(ctx)
		a.hubCancel = cancel
		go a.hub.Run(hubCtx)
		steps = append(steps, a.StreamServer)
	}

	for _, w := range steps {
		if err := w.Start(ctx); err != nil {
			_ = a.Stop()
			return fmt.Errorf("start %T: %w", w, err)
		}
		a.workers = append(a.workers, w)
	}
	a.Logger.Info("Tradeguard started", "mode", a.State.Mode())
	return nil
}

// Stop halts the started components in reverse order and releases storage
func (a *App) Stop() error {
	var errs []error
	for i := len(a.workers) - 1; i >= 0; i-- {
		if err := a.workers[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %T: %w", a.workers[i], err))
		}
	}
	a.workers = nil
	// Idempotent; delivers what was queued if the app never started
	_ = a.Bus.Stop()
	if a.hubCancel != nil {
		a.hubCancel()
		a.hubCancel = nil
	}

	a.Alerts.Flush()
	if err := a.Buffer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close buffer: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	a.Logger.Info("Tradeguard stopped", "pending_records", a.Buffer.Len())
	return errors.Join(errs...)
}

// Run starts the app, blocks until ctx ends, then stops it
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopped := make(chan error, 1)
	go func() { stopped <- a.Stop() }()
	select {
	case err := <-stopped:
		return err
	case <-time.After(30 * time.Second):
		return fmt.Errorf("shutdown timed out")
	}
}

// Runner is a component that runs until its context ends
type Runner interface {
	Run(ctx context.Context) error
}

// Run executes runners until SIGINT/SIGTERM or the first failure
func Run(ctx context.Context, logger core.ILogger, runners ...Runner) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application stopped with error", "error", err)
		return err
	}
	logger.Info("Application shut down gracefully")
	return nil
}
