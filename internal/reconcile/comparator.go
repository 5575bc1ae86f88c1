// Package reconcile compares the locally recorded book against the broker's
// view of the same account and reports where the two disagree.
package reconcile

import (
	"fmt"
	"sort"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/degradation"

	"github.com/shopspring/decimal"
)

// DiscrepancyType classifies one divergence
type DiscrepancyType string

const (
	MissingLocal     DiscrepancyType = "MISSING_LOCAL"
	MissingBroker    DiscrepancyType = "MISSING_BROKER"
	QuantityMismatch DiscrepancyType = "QUANTITY_MISMATCH"
	CostMismatch     DiscrepancyType = "COST_MISMATCH"
	CashMismatch     DiscrepancyType = "CASH_MISMATCH"
	EquityMismatch   DiscrepancyType = "EQUITY_MISMATCH"
)

// Discrepancy is one reported divergence. Expected is the broker's value,
// Actual the local one.
type Discrepancy struct {
	Type     DiscrepancyType      `json:"type"`
	Symbol   string               `json:"symbol,omitempty"`
	Severity degradation.Severity `json:"severity"`
	Expected decimal.Decimal      `json:"expected"`
	Actual   decimal.Decimal      `json:"actual"`
	Delta    decimal.Decimal      `json:"delta"`
	Message  string               `json:"message"`
}

// Snapshot is one side of a comparison
type Snapshot struct {
	Positions []core.Position
	Account   *core.Account
}

// Tolerances decide when a numeric difference is reported and how severely.
// InfoPct and CriticalPct are percentages of the larger magnitude.
type Tolerances struct {
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	InfoPct     decimal.Decimal
	CriticalPct decimal.Decimal
}

// DefaultTolerances returns the stock thresholds
func DefaultTolerances() Tolerances {
	return Tolerances{
		Quantity:    decimal.RequireFromString("0.0001"),
		Price:       decimal.RequireFromString("0.01"),
		Cash:        decimal.RequireFromString("0.01"),
		Equity:      decimal.RequireFromString("0.01"),
		InfoPct:     decimal.RequireFromString("0.1"),
		CriticalPct: decimal.NewFromInt(5),
	}
}

// TolerancesFrom converts the reconciliation config section
func TolerancesFrom(c config.ReconciliationConfig) Tolerances {
	return Tolerances{
		Quantity:    config.Decimal(c.QuantityTolerance),
		Price:       config.Decimal(c.PriceTolerance),
		Cash:        config.Decimal(c.CashTolerance),
		Equity:      config.Decimal(c.EquityTolerance),
		InfoPct:     config.Decimal(c.InfoPct),
		CriticalPct: config.Decimal(c.CriticalPct),
	}
}

var hundred = decimal.NewFromInt(100)

// Compare reports every divergence between local and broker, sorted by
// symbol then type. Account-level entries have no symbol and sort first.
// Flat positions count as absent.
func Compare(local, broker Snapshot, tol Tolerances) []Discrepancy {
	localBook := bySymbol(local.Positions)
	brokerBook := bySymbol(broker.Positions)

	var out []Discrepancy
	for symbol, bp := range brokerBook {
		lp, ok := localBook[symbol]
		if !ok {
			out = append(out, Discrepancy{
				Type:     MissingLocal,
				Symbol:   symbol,
				Severity: degradation.SeverityCritical,
				Expected: bp.Quantity,
				Actual:   decimal.Zero,
				Delta:    bp.Quantity.Neg(),
				Message:  fmt.Sprintf("broker holds %s %s, local ledger has none", bp.Quantity, symbol),
			})
			continue
		}
		if d, ok := compareValue(QuantityMismatch, symbol, bp.Quantity, lp.Quantity, tol.Quantity, tol); ok {
			out = append(out, d)
		}
		if d, ok := compareValue(CostMismatch, symbol, bp.CostBasis, lp.CostBasis, tol.Price, tol); ok {
			out = append(out, d)
		}
	}
	for symbol, lp := range localBook {
		if _, ok := brokerBook[symbol]; ok {
			continue
		}
		out = append(out, Discrepancy{
			Type:     MissingBroker,
			Symbol:   symbol,
			Severity: degradation.SeverityCritical,
			Expected: decimal.Zero,
			Actual:   lp.Quantity,
			Delta:    lp.Quantity,
			Message:  fmt.Sprintf("local ledger holds %s %s, broker has none", lp.Quantity, symbol),
		})
	}

	if local.Account != nil || broker.Account != nil {
		la, ba := accountOrZero(local.Account), accountOrZero(broker.Account)
		if d, ok := compareValue(CashMismatch, "", ba.Cash, la.Cash, tol.Cash, tol); ok {
			out = append(out, d)
		}
		if d, ok := compareValue(EquityMismatch, "", ba.Equity, la.Equity, tol.Equity, tol); ok {
			out = append(out, d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// MaxSeverity returns the highest severity in ds and whether ds is non-empty
func MaxSeverity(ds []Discrepancy) (degradation.Severity, bool) {
	if len(ds) == 0 {
		return degradation.SeverityInfo, false
	}
	worst := ds[0].Severity
	for _, d := range ds[1:] {
		if d.Severity.Rank() > worst.Rank() {
			worst = d.Severity
		}
	}
	return worst, true
}

func compareValue(typ DiscrepancyType, symbol string, expected, actual, abs decimal.Decimal, tol Tolerances) (Discrepancy, bool) {
	delta := actual.Sub(expected)
	if delta.Abs().LessThanOrEqual(abs) {
		return Discrepancy{}, false
	}
	return Discrepancy{
		Type:     typ,
		Symbol:   symbol,
		Severity: classify(expected, actual, delta, tol),
		Expected: expected,
		Actual:   actual,
		Delta:    delta,
		Message:  fmt.Sprintf("%s: broker %s, local %s", typ, expected, actual),
	}, true
}

// classify grades a difference by its size relative to the larger magnitude
func classify(expected, actual, delta decimal.Decimal, tol Tolerances) degradation.Severity {
	base := decimal.Max(expected.Abs(), actual.Abs())
	if base.IsZero() {
		return degradation.SeverityInfo
	}
	pct := delta.Abs().Div(base).Mul(hundred)
	switch {
	case pct.LessThan(tol.InfoPct):
		return degradation.SeverityInfo
	case pct.LessThan(tol.CriticalPct):
		return degradation.SeverityWarning
	default:
		return degradation.SeverityCritical
	}
}

func bySymbol(positions []core.Position) map[string]core.Position {
	out := make(map[string]core.Position, len(positions))
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		out[p.Symbol] = p
	}
	return out
}

func accountOrZero(a *core.Account) core.Account {
	if a == nil {
		return core.Account{Cash: decimal.Zero, Equity: decimal.Zero}
	}
	return *a
}
