package degradation

import (
	"fmt"
	"sort"
)

// DecisionMatrix maps (component, status) to the minimum system mode it demands.
// HEALTHY always maps to NORMAL; missing cells fall back to the component's DOWN row.
type DecisionMatrix map[Component]map[Status]Mode

// DefaultDecisionMatrix is the built-in policy: losing the database halts trading,
// losing any other dependency only allows closes.
func DefaultDecisionMatrix() DecisionMatrix {
	return DecisionMatrix{
		ComponentDatabase:       {StatusDegraded: ModeDegraded, StatusDown: ModeHalt},
		ComponentBroker:         {StatusDegraded: ModeDegraded, StatusDown: ModeSafe},
		ComponentMarketData:     {StatusDegraded: ModeDegraded, StatusDown: ModeSafe},
		ComponentRisk:           {StatusDegraded: ModeDegraded, StatusDown: ModeSafe},
		ComponentReconciliation: {StatusDegraded: ModeDegraded, StatusDown: ModeSafe},
	}
}

// WithOverrides returns a copy with configured cells replaced
func (m DecisionMatrix) WithOverrides(overrides map[string]map[string]string) (DecisionMatrix, error) {
	out := make(DecisionMatrix, len(m))
	for c, row := range m {
		cp := make(map[Status]Mode, len(row))
		for s, mode := range row {
			cp[s] = mode
		}
		out[c] = cp
	}
	for comp, row := range overrides {
		c := Component(comp)
		if out[c] == nil {
			out[c] = make(map[Status]Mode)
		}
		for statusStr, modeStr := range row {
			status, err := ParseStatus(statusStr)
			if err != nil {
				return nil, fmt.Errorf("decision matrix %s: %w", comp, err)
			}
			mode, err := ParseMode(modeStr)
			if err != nil {
				return nil, fmt.Errorf("decision matrix %s.%s: %w", comp, statusStr, err)
			}
			out[c][status] = mode
		}
	}
	return out, nil
}

// ModeFor looks up a single cell. UNKNOWN is treated as DOWN when unknownAsDown, else as HEALTHY.
func (m DecisionMatrix) ModeFor(c Component, s Status, unknownAsDown bool) Mode {
	row := m[c]
	if mode, ok := row[s]; ok {
		return mode
	}
	switch s {
	case StatusHealthy:
		return ModeNormal
	case StatusUnknown:
		if !unknownAsDown {
			return ModeNormal
		}
		return m.ModeFor(c, StatusDown, true)
	case StatusDegraded:
		return ModeDegraded
	default:
		if mode, ok := row[StatusDown]; ok {
			return mode
		}
		// Components outside the table cannot halt trading on their own
		return ModeSafe
	}
}

// Evaluate returns the most restrictive mode demanded by any component and the
// component responsible for it.
func (m DecisionMatrix) Evaluate(statuses []ComponentStatus, unknownAsDown bool) (Mode, string) {
	sorted := append([]ComponentStatus(nil), statuses...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Component < sorted[j].Component })

	target := ModeNormal
	reason := "all components healthy"
	for _, cs := range sorted {
		mode := m.ModeFor(cs.Component, cs.Status, unknownAsDown)
		if mode > target {
			target = mode
			reason = fmt.Sprintf("%s is %s", cs.Component, cs.Status)
		}
	}
	return target, reason
}
