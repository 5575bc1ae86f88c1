package degradation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names a kind of SystemEvent
type EventType string

const (
	EventComponentStatusChanged  EventType = "ComponentStatusChanged"
	EventBreakerStateChanged     EventType = "BreakerStateChanged"
	EventModeTransition          EventType = "ModeTransition"
	EventModeUnstable            EventType = "ModeUnstable"
	EventHaltTriggered           EventType = "HaltTriggered"
	EventRecoveryStageChanged    EventType = "RecoveryStageChanged"
	EventRecoveryFrozen          EventType = "RecoveryFrozen"
	EventRecoveryCompleted       EventType = "RecoveryCompleted"
	EventDiscrepancyDetected     EventType = "DiscrepancyDetected"
	EventReconciliationCompleted EventType = "ReconciliationCompleted"
	EventBufferOverflow          EventType = "BufferOverflow"
)

// Severity of a SystemEvent or a reconciliation discrepancy
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities: INFO < WARNING < CRITICAL
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// ParseSeverity parses INFO, WARNING or CRITICAL, defaulting to INFO
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(s)) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityWarning:
		return SeverityWarning
	}
	return SeverityInfo
}

// Common payload keys
const (
	KeyComponent = "component"
	KeyFrom      = "from"
	KeyTo        = "to"
	KeySeq       = "seq"
	KeyTrigger   = "trigger"
	KeyStage     = "stage"
	KeyFloor     = "floor"
	KeyAttempt   = "attempt"
	KeyAccount   = "account_id"
	KeyCount     = "count"
)

// SystemEvent is an immutable notification published on the bus
type SystemEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	Severity  Severity          `json:"severity"`
	Reason    string            `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id
func NewEvent(typ EventType, source string, severity Severity, reason string, payload map[string]string) SystemEvent {
	return SystemEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    source,
		Severity:  severity,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// MustDeliver reports whether the event bypasses the bus drop policy
func (e SystemEvent) MustDeliver() bool {
	switch e.Type {
	case EventModeTransition, EventHaltTriggered, EventRecoveryFrozen, EventRecoveryStageChanged, EventRecoveryCompleted:
		return true
	case EventDiscrepancyDetected:
		return e.Severity == SeverityCritical
	}
	return false
}

// clone copies the payload so publishers cannot mutate delivered events
func (e SystemEvent) clone() SystemEvent {
	if e.Payload != nil {
		p := make(map[string]string, len(e.Payload))
		for k, v := range e.Payload {
			p[k] = v
		}
		e.Payload = p
	}
	return e
}
