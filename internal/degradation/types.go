// Package degradation implements graceful degradation: circuit breakers, component
// health tracking, the system event bus, the system mode state machine, the trading
// gate and staged recovery.
package degradation

import (
	"fmt"
	"strings"
)

// Component identifies a dependency whose health drives the system mode
type Component string

const (
	ComponentBroker         Component = "broker"
	ComponentMarketData     Component = "market_data"
	ComponentRisk           Component = "risk"
	ComponentDatabase       Component = "database"
	ComponentReconciliation Component = "reconciliation"
)

// Status is the health of a single component
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusDown
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusDegraded:
		return "DEGRADED"
	case StatusDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus parses HEALTHY, DEGRADED, DOWN or UNKNOWN
func ParseStatus(s string) (Status, error) {
	switch strings.ToUpper(s) {
	case "HEALTHY":
		return StatusHealthy, nil
	case "DEGRADED":
		return StatusDegraded, nil
	case "DOWN":
		return StatusDown, nil
	case "UNKNOWN":
		return StatusUnknown, nil
	}
	return StatusUnknown, fmt.Errorf("unknown component status: %q", s)
}

// Mode is the global operating mode. Higher values are more restrictive.
type Mode int32

const (
	ModeNormal Mode = iota
	ModeDegraded
	ModeSafe
	ModeHalt
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeDegraded:
		return "DEGRADED"
	case ModeSafe:
		return "SAFE"
	case ModeHalt:
		return "HALT"
	default:
		return fmt.Sprintf("Mode(%d)", int32(m))
	}
}

// ParseMode parses NORMAL, DEGRADED, SAFE or HALT
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "NORMAL":
		return ModeNormal, nil
	case "DEGRADED":
		return ModeDegraded, nil
	case "SAFE":
		return ModeSafe, nil
	case "HALT":
		return ModeHalt, nil
	}
	return ModeHalt, fmt.Errorf("unknown system mode: %q", s)
}

// MoreSevere returns the more restrictive of two modes
func MoreSevere(a, b Mode) Mode {
	if a > b {
		return a
	}
	return b
}

// LessSevere returns the less restrictive of two modes
func LessSevere(a, b Mode) Mode {
	if a < b {
		return a
	}
	return b
}
