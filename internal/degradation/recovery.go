package degradation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	apperrors "tradeguard/pkg/errors"
	"tradeguard/pkg/retry"
)

// RecoveryStage is a step on the way back from DOWN
type RecoveryStage int

const (
	StageProbe RecoveryStage = iota
	StagePartial
	StageFull
)

func (s RecoveryStage) String() string {
	switch s {
	case StageProbe:
		return "PROBE"
	case StagePartial:
		return "PARTIAL"
	case StageFull:
		return "FULL"
	default:
		return fmt.Sprintf("RecoveryStage(%d)", int(s))
	}
}

// RecoveryTrigger says who asked for a recovery attempt
type RecoveryTrigger string

const (
	TriggerAutomatic RecoveryTrigger = "automatic"
	TriggerManual    RecoveryTrigger = "manual"
)

// ComponentProber runs a component's health probe on demand and reports the
// result to the tracker. ErrCircuitOpen and ErrNoProbe mean no probe ran.
type ComponentProber interface {
	ProbeNow(ctx context.Context, c Component) error
}

// RecoveryConfig holds backoff and stability settings
type RecoveryConfig struct {
	Stable       time.Duration
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
	TickInterval time.Duration
}

// RecoveryConfigFrom combines the recovery section with the degradation stability period
func RecoveryConfigFrom(r config.RecoveryConfig, d config.DegradationConfig) RecoveryConfig {
	return RecoveryConfig{
		Stable:       d.RecoveryStable(),
		BackoffBase:  r.BackoffBase(),
		MaxBackoff:   r.MaxBackoff(),
		MaxAttempts:  r.MaxRecoveryAttempts,
		TickInterval: r.TickInterval(),
	}
}

// RecoveryStatus describes one component under recovery
type RecoveryStatus struct {
	Component    Component `json:"component"`
	Stage        string    `json:"stage"`
	Attempt      int       `json:"attempt"`
	Frozen       bool      `json:"frozen"`
	Passive      bool      `json:"passive,omitempty"`
	Floor        string    `json:"floor"`
	NextProbeAt  time.Time `json:"next_probe_at"`
	HealthySince time.Time `json:"healthy_since,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

type recoveryTrack struct {
	stage        RecoveryStage
	attempt      int
	frozen       bool
	passive      bool // no probe, stages follow tracker status only
	nextProbeAt  time.Time
	healthySince time.Time
	lastFailure  time.Time
	startedAt    time.Time
}

// RecoveryOrchestrator walks DOWN components back through PROBE and PARTIAL
// before releasing their mode floor. Failures step back one stage and back
// off exponentially; too many failures freeze recovery until a manual trigger.
type RecoveryOrchestrator struct {
	cfg       RecoveryConfig
	matrix    DecisionMatrix
	tracker   *StatusTracker
	prober    ComponentProber
	publisher Publisher
	clock     Clock
	logger    core.ILogger

	mu     sync.Mutex
	tracks map[Component]*recoveryTrack

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecoveryOrchestrator subscribes to tracker changes. prober may be nil.
func NewRecoveryOrchestrator(cfg RecoveryConfig, matrix DecisionMatrix, tracker *StatusTracker, prober ComponentProber, publisher Publisher, clock Clock, logger core.ILogger) *RecoveryOrchestrator {
	if clock == nil {
		clock = RealClock()
	}
	if matrix == nil {
		matrix = DefaultDecisionMatrix()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	o := &RecoveryOrchestrator{
		cfg:       cfg,
		matrix:    matrix,
		tracker:   tracker,
		prober:    prober,
		publisher: publisher,
		clock:     clock,
		logger:    logger.WithField("component", "recovery"),
		tracks:    make(map[Component]*recoveryTrack),
	}
	tracker.OnChange(o.onComponentStatus)
	return o
}

// SetProber installs the probe runner after construction
func (o *RecoveryOrchestrator) SetProber(p ComponentProber) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prober = p
}

// Status returns the recovery state of a component, false when it is not recovering
func (o *RecoveryOrchestrator) Status(c Component) (RecoveryStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr, ok := o.tracks[c]
	if !ok {
		return RecoveryStatus{}, false
	}
	return o.statusLocked(c, tr), true
}

// Statuses returns every component under recovery, sorted by name
func (o *RecoveryOrchestrator) Statuses() []RecoveryStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RecoveryStatus, 0, len(o.tracks))
	for c, tr := range o.tracks {
		out = append(out, o.statusLocked(c, tr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Trigger starts recovery for a DOWN component, or restarts it. Only a manual
// trigger unfreezes a component that exhausted its attempts.
func (o *RecoveryOrchestrator) Trigger(c Component, trigger RecoveryTrigger) error {
	now := o.clock.Now()

	o.mu.Lock()
	tr, ok := o.tracks[c]
	switch {
	case ok && tr.frozen && trigger != TriggerManual:
		o.mu.Unlock()
		return fmt.Errorf("recovery of %s is frozen after %d attempts, manual trigger required", c, tr.attempt)
	case ok:
		tr.frozen = false
		tr.stage = StageProbe
		if trigger == TriggerManual {
			tr.attempt = 0
		}
		tr.healthySince = time.Time{}
		tr.nextProbeAt = now
	default:
		if o.tracker.Get(c).Status == StatusHealthy {
			o.mu.Unlock()
			return fmt.Errorf("%s is healthy, nothing to recover", c)
		}
		tr = &recoveryTrack{stage: StageProbe, startedAt: now, nextProbeAt: now}
		o.tracks[c] = tr
	}
	event := o.stageEventLocked(c, tr, string(trigger))
	o.mu.Unlock()

	o.logger.Info("Recovery triggered", "target", c, "trigger", trigger)
	o.publish(event)
	return nil
}

// Tick probes due components and advances stable ones
func (o *RecoveryOrchestrator) Tick(ctx context.Context) {
	now := o.clock.Now()

	type probe struct {
		component Component
		startedAt time.Time
	}
	var probes []probe
	var events []SystemEvent

	o.mu.Lock()
	prober := o.prober
	for c, tr := range o.tracks {
		if tr.frozen {
			continue
		}
		if o.tracker.Get(c).Status == StatusHealthy {
			if tr.healthySince.IsZero() {
				tr.healthySince = now
			}
			if now.Sub(tr.healthySince) >= o.cfg.Stable {
				events = append(events, o.advanceLocked(c, tr, now))
			}
			continue
		}
		if tr.stage == StageProbe && !tr.passive && prober != nil && !now.Before(tr.nextProbeAt) {
			probes = append(probes, probe{component: c, startedAt: now})
		}
	}
	o.mu.Unlock()

	for _, e := range events {
		o.publish(e)
	}

	for _, p := range probes {
		err := prober.ProbeNow(ctx, p.component)
		switch {
		case err == nil:
		case errors.Is(err, apperrors.ErrNoProbe):
			o.markPassive(p.component)
		case errors.Is(err, apperrors.ErrCircuitOpen):
			o.deferProbe(p.component, now)
		default:
			o.logger.Warn("Recovery probe failed", "target", p.component, "error", err)
			o.recordFailure(p.component, p.startedAt, err.Error())
		}
	}
}

// markPassive stops probing a component that has no probe. Its stages then
// advance only when its status reports healthy, e.g. after a clean
// reconciliation run.
func (o *RecoveryOrchestrator) markPassive(c Component) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if tr, ok := o.tracks[c]; ok && !tr.passive {
		tr.passive = true
		o.logger.Info("No probe for component, waiting for a healthy status", "target", c)
	}
}

// deferProbe reschedules a probe the breaker refused. The attempt count is
// unchanged since nothing was tried.
func (o *RecoveryOrchestrator) deferProbe(c Component, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tr, ok := o.tracks[c]
	if !ok || tr.frozen {
		return
	}
	tr.nextProbeAt = now.Add(o.backoff(tr.attempt))
	o.logger.Debug("Recovery probe deferred, breaker open", "target", c, "next_probe_at", tr.nextProbeAt)
}

// Start runs Tick on the configured interval
func (o *RecoveryOrchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.runLoop()
	o.logger.Info("Recovery orchestrator started", "interval", o.cfg.TickInterval, "max_attempts", o.cfg.MaxAttempts)
	return nil
}

// Stop ends the loop
func (o *RecoveryOrchestrator) Stop() error {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Info("Recovery orchestrator stopped")
	return nil
}

func (o *RecoveryOrchestrator) runLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.Tick(o.ctx)
		}
	}
}

func (o *RecoveryOrchestrator) onComponentStatus(cs ComponentStatus, previous Status) {
	now := o.clock.Now()

	o.mu.Lock()
	tr, ok := o.tracks[cs.Component]
	switch {
	case !ok && cs.Status == StatusDown:
		tr = &recoveryTrack{stage: StageProbe, startedAt: now, nextProbeAt: now.Add(o.backoff(0))}
		o.tracks[cs.Component] = tr
		event := o.stageEventLocked(cs.Component, tr, string(TriggerAutomatic))
		o.mu.Unlock()
		o.logger.Warn("Recovery started", "target", cs.Component, "reason", cs.Reason)
		o.publish(event)
		return
	case !ok || tr.frozen:
		o.mu.Unlock()
		return
	case cs.Status == StatusDegraded && (previous == StatusDown || previous == StatusUnknown):
		// Partial improvement, not a relapse
		o.mu.Unlock()
		return
	case cs.Status == StatusHealthy:
		if tr.healthySince.IsZero() {
			tr.healthySince = now
		}
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	o.recordFailure(cs.Component, time.Time{}, fmt.Sprintf("%s is %s", cs.Component, cs.Status))
}

// recordFailure steps back one stage. A probe failure is ignored when a status
// change already counted a failure after the probe started.
func (o *RecoveryOrchestrator) recordFailure(c Component, probeStarted time.Time, reason string) {
	now := o.clock.Now()

	o.mu.Lock()
	tr, ok := o.tracks[c]
	if !ok || tr.frozen {
		o.mu.Unlock()
		return
	}
	if !probeStarted.IsZero() && !tr.lastFailure.Before(probeStarted) {
		o.mu.Unlock()
		return
	}

	tr.lastFailure = now
	tr.healthySince = time.Time{}
	tr.attempt++
	if tr.stage > StageProbe {
		tr.stage--
	}

	var event SystemEvent
	if tr.attempt > o.cfg.MaxAttempts {
		tr.frozen = true
		event = NewEvent(EventRecoveryFrozen, "recovery", SeverityCritical,
			fmt.Sprintf("recovery of %s frozen after %d attempts: %s", c, tr.attempt-1, reason),
			map[string]string{
				KeyComponent: string(c),
				KeyAttempt:   strconv.Itoa(tr.attempt),
				KeyStage:     tr.stage.String(),
			})
		o.logger.Error("Recovery frozen", "target", c, "attempts", tr.attempt-1, "reason", reason)
	} else {
		tr.nextProbeAt = now.Add(o.backoff(tr.attempt))
		event = o.stageEventLocked(c, tr, reason)
		o.logger.Warn("Recovery attempt failed", "target", c, "attempt", tr.attempt, "stage", tr.stage, "next_probe_at", tr.nextProbeAt, "reason", reason)
	}
	o.mu.Unlock()

	o.publish(event)
}

// advanceLocked must hold mu
func (o *RecoveryOrchestrator) advanceLocked(c Component, tr *recoveryTrack, now time.Time) SystemEvent {
	tr.stage++
	tr.healthySince = now
	if tr.stage < StageFull {
		o.logger.Info("Recovery advanced", "target", c, "stage", tr.stage)
		return o.stageEventLocked(c, tr, "stable")
	}

	delete(o.tracks, c)
	o.logger.Info("Recovery completed", "target", c, "attempts", tr.attempt, "duration", now.Sub(tr.startedAt))
	return NewEvent(EventRecoveryCompleted, "recovery", SeverityInfo, fmt.Sprintf("%s recovered", c), map[string]string{
		KeyComponent: string(c),
		KeyStage:     StageFull.String(),
		KeyAttempt:   strconv.Itoa(tr.attempt),
	})
}

// floor is the mode a component's recovery stage holds the system at
func (o *RecoveryOrchestrator) floor(c Component, stage RecoveryStage) Mode {
	down := o.matrix.ModeFor(c, StatusDown, true)
	switch stage {
	case StageProbe:
		return down
	case StagePartial:
		return LessSevere(down, ModeSafe)
	default:
		return ModeNormal
	}
}

func (o *RecoveryOrchestrator) backoff(attempt int) time.Duration {
	return retry.Exponential(o.cfg.BackoffBase, o.cfg.MaxBackoff, attempt)
}

func (o *RecoveryOrchestrator) stageEventLocked(c Component, tr *recoveryTrack, reason string) SystemEvent {
	return NewEvent(EventRecoveryStageChanged, "recovery", SeverityWarning, reason, map[string]string{
		KeyComponent: string(c),
		KeyStage:     tr.stage.String(),
		KeyFloor:     o.floor(c, tr.stage).String(),
		KeyAttempt:   strconv.Itoa(tr.attempt),
	})
}

func (o *RecoveryOrchestrator) statusLocked(c Component, tr *recoveryTrack) RecoveryStatus {
	return RecoveryStatus{
		Component:    c,
		Stage:        tr.stage.String(),
		Attempt:      tr.attempt,
		Frozen:       tr.frozen,
		Passive:      tr.passive,
		Floor:        o.floor(c, tr.stage).String(),
		NextProbeAt:  tr.nextProbeAt,
		HealthySince: tr.healthySince,
		StartedAt:    tr.startedAt,
	}
}

func (o *RecoveryOrchestrator) publish(e SystemEvent) {
	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := o.publisher.Publish(ctx, e); err != nil {
		o.logger.Warn("Failed to publish event", "type", e.Type, "error", err)
	}
}
