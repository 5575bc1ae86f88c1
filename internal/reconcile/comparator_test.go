package reconcile

import (
	"testing"

	"tradeguard/internal/config"
	"tradeguard/internal/core"
	"tradeguard/internal/degradation"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pos(symbol, qty, cost string) core.Position {
	return core.Position{AccountID: "acct-1", Symbol: symbol, Quantity: dec(qty), CostBasis: dec(cost)}
}

func acct(cash, equity string) *core.Account {
	return &core.Account{AccountID: "acct-1", Cash: dec(cash), Equity: dec(equity)}
}

func TestCompare_QuantityMismatchIsCritical(t *testing.T) {
	local := Snapshot{Positions: []core.Position{pos("AAPL", "100", "150.00")}, Account: acct("1000", "16000")}
	broker := Snapshot{Positions: []core.Position{pos("AAPL", "80", "150.00")}, Account: acct("1000", "16000")}

	got := Compare(local, broker, DefaultTolerances())
	require.Len(t, got, 1)
	assert.Equal(t, QuantityMismatch, got[0].Type)
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.Equal(t, degradation.SeverityCritical, got[0].Severity)
	assert.True(t, got[0].Expected.Equal(dec("80")))
	assert.True(t, got[0].Actual.Equal(dec("100")))
	assert.True(t, got[0].Delta.Equal(dec("20")))
}

func TestCompare_Identical(t *testing.T) {
	s := Snapshot{
		Positions: []core.Position{pos("AAPL", "100", "150"), pos("MSFT", "-5", "300")},
		Account:   acct("1000", "16000"),
	}
	assert.Empty(t, Compare(s, s, DefaultTolerances()))
	assert.Empty(t, Compare(Snapshot{}, Snapshot{}, DefaultTolerances()))
}

func TestCompare_SeverityGrades(t *testing.T) {
	tests := []struct {
		name   string
		local  string
		broker string
		want   degradation.Severity
		found  bool
	}{
		{name: "within tolerance", local: "100", broker: "100.00005", found: false},
		{name: "rounding drift", local: "100", broker: "100.05", want: degradation.SeverityInfo, found: true},
		{name: "small drift", local: "100", broker: "102", want: degradation.SeverityWarning, found: true},
		{name: "at critical threshold", local: "100", broker: "95", want: degradation.SeverityCritical, found: true},
		{name: "large", local: "100", broker: "50", want: degradation.SeverityCritical, found: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compare(
				Snapshot{Positions: []core.Position{pos("AAPL", tt.local, "150")}},
				Snapshot{Positions: []core.Position{pos("AAPL", tt.broker, "150")}},
				DefaultTolerances(),
			)
			if !tt.found {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Severity)
		})
	}
}

func TestCompare_CostBasisUsesPriceTolerance(t *testing.T) {
	local := Snapshot{Positions: []core.Position{pos("AAPL", "100", "150.00")}}

	within := Snapshot{Positions: []core.Position{pos("AAPL", "100", "150.005")}}
	assert.Empty(t, Compare(local, within, DefaultTolerances()))

	drifted := Snapshot{Positions: []core.Position{pos("AAPL", "100", "151.50")}}
	got := Compare(local, drifted, DefaultTolerances())
	require.Len(t, got, 1)
	assert.Equal(t, CostMismatch, got[0].Type)
	assert.Equal(t, degradation.SeverityWarning, got[0].Severity)
}

func TestCompare_MissingSides(t *testing.T) {
	local := Snapshot{Positions: []core.Position{
		pos("AAPL", "100", "150"),
		pos("MSFT", "0", "300"), // flat rows count as absent
		pos("TSLA", "10", "200"),
	}}
	broker := Snapshot{Positions: []core.Position{
		pos("AAPL", "100", "150"),
		pos("MSFT", "5", "300"),
	}}

	got := Compare(local, broker, DefaultTolerances())
	require.Len(t, got, 2)

	assert.Equal(t, MissingLocal, got[0].Type)
	assert.Equal(t, "MSFT", got[0].Symbol)
	assert.Equal(t, degradation.SeverityCritical, got[0].Severity)

	assert.Equal(t, MissingBroker, got[1].Type)
	assert.Equal(t, "TSLA", got[1].Symbol)
	assert.Equal(t, degradation.SeverityCritical, got[1].Severity)
}

func TestCompare_AccountLevelSortsFirst(t *testing.T) {
	local := Snapshot{
		Positions: []core.Position{pos("AAPL", "100", "150"), pos("ZM", "1", "70")},
		Account:   acct("1000", "16000"),
	}
	broker := Snapshot{
		Positions: []core.Position{pos("AAPL", "90", "150")},
		Account:   acct("900", "16000.005"),
	}

	got := Compare(local, broker, DefaultTolerances())
	require.Len(t, got, 3)
	assert.Equal(t, CashMismatch, got[0].Type)
	assert.Empty(t, got[0].Symbol)
	assert.Equal(t, degradation.SeverityCritical, got[0].Severity)
	assert.Equal(t, QuantityMismatch, got[1].Type)
	assert.Equal(t, MissingBroker, got[2].Type)
	assert.Equal(t, "ZM", got[2].Symbol)

	worst, ok := MaxSeverity(got)
	assert.True(t, ok)
	assert.Equal(t, degradation.SeverityCritical, worst)
}

func TestCompare_MissingAccountComparesAgainstZero(t *testing.T) {
	got := Compare(Snapshot{}, Snapshot{Account: acct("10", "0")}, DefaultTolerances())
	require.Len(t, got, 1)
	assert.Equal(t, CashMismatch, got[0].Type)
	assert.True(t, got[0].Actual.IsZero())
}

func TestMaxSeverity_Empty(t *testing.T) {
	_, ok := MaxSeverity(nil)
	assert.False(t, ok)
}

func TestTolerancesFrom(t *testing.T) {
	tol := TolerancesFrom(config.DefaultConfig().Reconciliation)
	def := DefaultTolerances()
	assert.True(t, def.Quantity.Equal(tol.Quantity))
	assert.True(t, def.Price.Equal(tol.Price))
	assert.True(t, def.Cash.Equal(tol.Cash))
	assert.True(t, def.Equity.Equal(tol.Equity))
	assert.True(t, def.InfoPct.Equal(tol.InfoPct))
	assert.True(t, def.CriticalPct.Equal(tol.CriticalPct))
}
