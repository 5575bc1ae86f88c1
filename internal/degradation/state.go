package degradation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/pkg/telemetry"
)

const (
	// KeyReported is set on ReconciliationCompleted when discrepancies were published for the run
	KeyReported = "reported"

	publishTimeout = 5 * time.Second
	historyLimit   = 256
)

// Publisher accepts system events
type Publisher interface {
	Publish(ctx context.Context, e SystemEvent) error
}

// ModeReader exposes the current mode to the hot path
type ModeReader interface {
	Current() ModeSnapshot
}

// ModeSnapshot is the immutable current-mode record swapped atomically on every transition
type ModeSnapshot struct {
	Mode    Mode      `json:"-"`
	Name    string    `json:"mode"`
	Seq     uint64    `json:"seq"`
	Since   time.Time `json:"since"`
	Reason  string    `json:"reason"`
	Trigger string    `json:"trigger"`
}

// ModeTransition records one change of mode
type ModeTransition struct {
	Seq     uint64    `json:"seq"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason"`
	Trigger string    `json:"trigger"`
}

// StateConfig is the mode policy
type StateConfig struct {
	Matrix             DecisionMatrix
	UnknownAsDown      bool
	RecoveryStable     time.Duration
	MinDwell           time.Duration
	AlertOnUnstable    bool
	FlapWindow         time.Duration
	FlapThreshold      int
	EvaluationInterval time.Duration
	InitialMode        Mode
}

// StateConfigFrom builds the policy from the degradation config section
func StateConfigFrom(c config.DegradationConfig) (StateConfig, error) {
	matrix, err := DefaultDecisionMatrix().WithOverrides(c.DecisionMatrix)
	if err != nil {
		return StateConfig{}, err
	}
	return StateConfig{
		Matrix:             matrix,
		UnknownAsDown:      c.UnknownOnTTLExpiry,
		RecoveryStable:     c.RecoveryStable(),
		MinDwell:           c.MinSafeMode(),
		AlertOnUnstable:    c.AlertOnUnstable,
		FlapWindow:         c.FlapWindow(),
		FlapThreshold:      c.FlapThreshold,
		EvaluationInterval: c.EvaluationInterval(),
		InitialMode:        ModeNormal,
	}, nil
}

// SystemStateService is the only writer of the system mode. Escalations apply
// immediately; relaxations wait until the relaxed target has held for the
// stability period and the current mode has been held for the minimum dwell.
type SystemStateService struct {
	cfg       StateConfig
	tracker   *StatusTracker
	publisher Publisher
	clock     Clock
	logger    core.ILogger

	current atomic.Pointer[ModeSnapshot]

	mu           sync.Mutex
	hasHealth    bool
	healthTarget Mode
	healthSince  time.Time
	floors       map[Component]Mode
	transitions  []time.Time
	lastUnstable time.Time
	history      []ModeTransition
	pending      []SystemEvent // queued under mu, published by flush

	pubMu sync.Mutex // held by the goroutine publishing pending events

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSystemStateService wires the service to the tracker's change notifications
func NewSystemStateService(cfg StateConfig, tracker *StatusTracker, publisher Publisher, clock Clock, logger core.ILogger) *SystemStateService {
	if clock == nil {
		clock = RealClock()
	}
	if cfg.Matrix == nil {
		cfg.Matrix = DefaultDecisionMatrix()
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = time.Second
	}
	s := &SystemStateService{
		cfg:       cfg,
		tracker:   tracker,
		publisher: publisher,
		clock:     clock,
		logger:    logger.WithField("component", "system_state"),
		floors:    make(map[Component]Mode),
	}
	s.current.Store(&ModeSnapshot{
		Mode:    cfg.InitialMode,
		Name:    cfg.InitialMode.String(),
		Since:   clock.Now(),
		Reason:  "startup",
		Trigger: "startup",
	})
	telemetry.GetGlobalMetrics().SetSystemMode(int64(cfg.InitialMode))

	tracker.OnChange(s.onComponentStatus)
	return s
}

// Current returns the current mode snapshot without locking
func (s *SystemStateService) Current() ModeSnapshot {
	return *s.current.Load()
}

// Mode returns the current mode
func (s *SystemStateService) Mode() Mode {
	return s.current.Load().Mode
}

// History returns up to n most recent transitions, oldest first
func (s *SystemStateService) History(n int) []ModeTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	return append([]ModeTransition(nil), s.history[len(s.history)-n:]...)
}

// Floors returns the active recovery floors
func (s *SystemStateService) Floors() map[Component]Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Component]Mode, len(s.floors))
	for c, m := range s.floors {
		out[c] = m
	}
	return out
}

// Evaluate recomputes the target mode and applies a transition if policy allows.
// The stability timer follows the health-derived target only: recovery floors
// are already released in stages by the orchestrator.
func (s *SystemStateService) Evaluate(trigger string) ModeSnapshot {
	snap := s.evaluate(trigger)
	s.flush()
	return snap
}

func (s *SystemStateService) evaluate(trigger string) ModeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	health, reason := s.cfg.Matrix.Evaluate(s.tracker.Snapshot(), s.cfg.UnknownAsDown)
	if !s.hasHealth || health != s.healthTarget {
		s.hasHealth = true
		s.healthTarget = health
		s.healthSince = now
	}

	target := health
	for c, floor := range s.floors {
		if floor > target {
			target = floor
			reason = fmt.Sprintf("%s recovery in progress", c)
		}
	}

	cur := s.current.Load()
	switch {
	case target > cur.Mode:
		s.transitionLocked(cur, target, reason, trigger, now)
	case target < cur.Mode:
		if now.Sub(s.healthSince) >= s.cfg.RecoveryStable && now.Sub(cur.Since) >= s.cfg.MinDwell {
			s.transitionLocked(cur, target, reason, trigger, now)
		}
	}
	return *s.current.Load()
}

// ForceMode moves into a more restrictive mode on operator request
func (s *SystemStateService) ForceMode(mode Mode, reason string) error {
	s.mu.Lock()
	cur := s.current.Load()
	if mode <= cur.Mode {
		s.mu.Unlock()
		return fmt.Errorf("force mode %s: current mode %s is already at least as restrictive", mode, cur.Mode)
	}
	// A forced mode gets a full stability period before it can relax
	s.healthSince = s.clock.Now()
	s.transitionLocked(cur, mode, reason, "manual", s.clock.Now())
	s.mu.Unlock()

	s.flush()
	return nil
}

// SetRecoveryFloor keeps the mode at or above floor while a component recovers
func (s *SystemStateService) SetRecoveryFloor(c Component, floor Mode) {
	s.mu.Lock()
	if floor <= ModeNormal {
		delete(s.floors, c)
	} else {
		s.floors[c] = floor
	}
	s.mu.Unlock()
	s.Evaluate("recovery:" + string(c))
}

// ClearRecoveryFloor removes a component's floor
func (s *SystemStateService) ClearRecoveryFloor(c Component) {
	s.SetRecoveryFloor(c, ModeNormal)
}

// HandleEvent consumes reconciliation and recovery events from the bus
func (s *SystemStateService) HandleEvent(ctx context.Context, e SystemEvent) {
	switch e.Type {
	case EventDiscrepancyDetected:
		status := StatusDegraded
		if e.Severity == SeverityCritical {
			status = StatusDown
		} else if e.Severity == SeverityInfo {
			status = StatusHealthy
		}
		s.tracker.Update(ComponentReconciliation, status, e.Reason)
	case EventReconciliationCompleted:
		if e.Payload[KeyReported] != "true" {
			s.tracker.Update(ComponentReconciliation, StatusHealthy, e.Reason)
		}
	case EventRecoveryStageChanged:
		floor, err := ParseMode(e.Payload[KeyFloor])
		if err != nil {
			s.logger.Warn("Ignoring recovery stage event", "error", err)
			return
		}
		s.SetRecoveryFloor(Component(e.Payload[KeyComponent]), floor)
	case EventRecoveryCompleted:
		s.ClearRecoveryFloor(Component(e.Payload[KeyComponent]))
	}
}

// SubscribedEvents lists the event types HandleEvent consumes
func (s *SystemStateService) SubscribedEvents() []EventType {
	return []EventType{EventDiscrepancyDetected, EventReconciliationCompleted, EventRecoveryStageChanged, EventRecoveryCompleted}
}

// Start runs the periodic TTL sweep and re-evaluation
func (s *SystemStateService) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.Evaluate("startup")

	s.wg.Add(1)
	go s.runLoop()

	s.logger.Info("System state service started", "mode", s.Mode(), "interval", s.cfg.EvaluationInterval)
	return nil
}

// Stop halts the evaluation loop
func (s *SystemStateService) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("System state service stopped")
	return nil
}

func (s *SystemStateService) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tracker.Sweep()
			s.Evaluate("tick")
		}
	}
}

func (s *SystemStateService) onComponentStatus(cs ComponentStatus, previous Status) {
	severity := SeverityInfo
	switch cs.Status {
	case StatusDegraded:
		severity = SeverityWarning
	case StatusDown, StatusUnknown:
		severity = SeverityCritical
	}
	s.publish(NewEvent(EventComponentStatusChanged, string(cs.Component), severity, cs.Reason, map[string]string{
		KeyComponent: string(cs.Component),
		KeyFrom:      previous.String(),
		KeyTo:        cs.Status.String(),
	}))
	s.Evaluate("component:" + string(cs.Component))
}

// transitionLocked must hold mu
func (s *SystemStateService) transitionLocked(cur *ModeSnapshot, to Mode, reason, trigger string, now time.Time) {
	next := &ModeSnapshot{
		Mode:    to,
		Name:    to.String(),
		Seq:     cur.Seq + 1,
		Since:   now,
		Reason:  reason,
		Trigger: trigger,
	}
	s.current.Store(next)

	tr := ModeTransition{Seq: next.Seq, From: cur.Mode.String(), To: to.String(), At: now, Reason: reason, Trigger: trigger}
	s.history = append(s.history, tr)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}

	metrics := telemetry.GetGlobalMetrics()
	metrics.SetSystemMode(int64(to))
	metrics.RecordModeTransition(cur.Mode.String(), to.String())

	severity := SeverityInfo
	switch {
	case to >= ModeSafe:
		severity = SeverityCritical
	case to == ModeDegraded:
		severity = SeverityWarning
	}
	s.logger.Warn("System mode transition", "from", cur.Mode, "to", to, "seq", next.Seq, "reason", reason, "trigger", trigger)

	// Queued under mu so transitions leave in sequence order
	s.pending = append(s.pending, NewEvent(EventModeTransition, "system_state", severity, reason, map[string]string{
		KeyFrom:    cur.Mode.String(),
		KeyTo:      to.String(),
		KeySeq:     strconv.FormatUint(next.Seq, 10),
		KeyTrigger: trigger,
	}))
	if to == ModeHalt {
		s.pending = append(s.pending, NewEvent(EventHaltTriggered, "system_state", SeverityCritical, reason, map[string]string{
			KeySeq:     strconv.FormatUint(next.Seq, 10),
			KeyTrigger: trigger,
		}))
	}

	s.detectFlapLocked(now)
}

// detectFlapLocked must hold mu
func (s *SystemStateService) detectFlapLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.FlapWindow)
	kept := s.transitions[:0]
	for _, ts := range s.transitions {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.transitions = append(kept, now)

	if !s.cfg.AlertOnUnstable || s.cfg.FlapThreshold < 1 || len(s.transitions) < s.cfg.FlapThreshold {
		return
	}
	if !s.lastUnstable.IsZero() && now.Sub(s.lastUnstable) < s.cfg.FlapWindow {
		return
	}
	s.lastUnstable = now
	s.logger.Warn("System mode unstable", "transitions", len(s.transitions), "window", s.cfg.FlapWindow)
	s.pending = append(s.pending, NewEvent(EventModeUnstable, "system_state", SeverityWarning,
		fmt.Sprintf("%d mode transitions within %s", len(s.transitions), s.cfg.FlapWindow),
		map[string]string{KeyCount: strconv.Itoa(len(s.transitions))}))
}

// flush publishes pending events in order without holding mu. A caller that
// finds another flush running returns at once; that flush publishes whatever
// was queued before it lets go.
func (s *SystemStateService) flush() {
	for {
		if !s.pubMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				s.publish(e)
			}
		}
		s.pubMu.Unlock()

		s.mu.Lock()
		more := len(s.pending) > 0
		s.mu.Unlock()
		if !more {
			return
		}
	}
}

func (s *SystemStateService) publish(e SystemEvent) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("Failed to publish event", "type", e.Type, "error", err)
	}
}
