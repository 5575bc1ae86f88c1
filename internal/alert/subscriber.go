package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/degradation"

	"golang.org/x/time/rate"
)

// BusSubscriber turns system events that need a human into alerts
type BusSubscriber struct {
	manager         *AlertManager
	alertOnUnstable bool

	mu       sync.Mutex
	limiters map[degradation.EventType]*rate.Limiter
	every    time.Duration
	burst    int
}

// NewBusSubscriber creates a subscriber. Non-critical alerts of one event type
// are throttled to burst per every.
func NewBusSubscriber(manager *AlertManager, alertOnUnstable bool) *BusSubscriber {
	return &BusSubscriber{
		manager:         manager,
		alertOnUnstable: alertOnUnstable,
		limiters:        make(map[degradation.EventType]*rate.Limiter),
		every:           time.Minute,
		burst:           5,
	}
}

// SubscribedEvents lists the event types HandleEvent consumes
func (s *BusSubscriber) SubscribedEvents() []degradation.EventType {
	return []degradation.EventType{
		degradation.EventModeTransition,
		degradation.EventModeUnstable,
		degradation.EventRecoveryFrozen,
		degradation.EventDiscrepancyDetected,
		degradation.EventBufferOverflow,
	}
}

// HandleEvent is a degradation.EventHandler
func (s *BusSubscriber) HandleEvent(ctx context.Context, e degradation.SystemEvent) {
	title, level, ok := s.classify(e)
	if !ok {
		return
	}
	if level != Critical && !s.allow(e.Type) {
		return
	}

	fields := make(map[string]string, len(e.Payload))
	for k, v := range e.Payload {
		fields[k] = v
	}
	s.manager.Notify(ctx, AlertPayload{
		Level:     level,
		Title:     title,
		Message:   e.Reason,
		Source:    e.Source,
		EventID:   e.ID,
		Timestamp: e.Timestamp,
		Fields:    fields,
	})
}

func (s *BusSubscriber) classify(e degradation.SystemEvent) (string, AlertLevel, bool) {
	switch e.Type {
	case degradation.EventModeTransition:
		to := e.Payload[degradation.KeyTo]
		switch to {
		case degradation.ModeHalt.String():
			return "Trading halted", Critical, true
		case degradation.ModeSafe.String():
			return "Trading in SAFE mode", Error, true
		}
	case degradation.EventModeUnstable:
		if s.alertOnUnstable {
			return "System mode unstable", Warning, true
		}
	case degradation.EventRecoveryFrozen:
		return fmt.Sprintf("Recovery of %s frozen", e.Payload[degradation.KeyComponent]), Critical, true
	case degradation.EventDiscrepancyDetected:
		if e.Severity == degradation.SeverityCritical {
			return fmt.Sprintf("Position discrepancy on %s", e.Payload[degradation.KeyAccount]), Critical, true
		}
	case degradation.EventBufferOverflow:
		return "Database write buffer full", Error, true
	}
	return "", "", false
}

func (s *BusSubscriber) allow(t degradation.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[t]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.every), s.burst)
		s.limiters[t] = l
	}
	return l.Allow()
}
