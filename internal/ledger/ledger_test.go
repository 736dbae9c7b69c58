package ledger

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pairs-arb-go/internal/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestOpenCloseAndMark(t *testing.T) {
	l := New(1000, zap.NewNop())

	l.Open("AUSDT", -10, 100, 1)
	assert.Equal(t, 999.0, l.Capital())
	assert.Equal(t, 1.0, l.TotalCommission())

	// 不允许叠加开仓
	l.Open("AUSDT", -5, 90, 1)
	assert.Equal(t, -10.0, l.Position("AUSDT").Quantity)
	assert.Equal(t, 1.0, l.TotalCommission())

	s := l.Mark(map[string]float64{"AUSDT": 95}, t0)
	assert.Equal(t, 50.0, s.UnrealizedPnL)
	assert.Equal(t, -1.0, s.RealizedPnL)
	assert.Equal(t, 1049.0, s.PortfolioValue)

	// 缺少价格时沿用上一次的未实现盈亏
	s = l.Mark(map[string]float64{}, t0.Add(time.Hour))
	assert.Equal(t, 50.0, s.UnrealizedPnL)

	pnl := l.Close("AUSDT", 90, 0.5)
	assert.Equal(t, 100.0, pnl)
	pos := l.Position("AUSDT")
	assert.True(t, pos.IsFlat())
	assert.Zero(t, pos.AvgPrice)
	assert.Equal(t, 98.5, pos.RealizedPnL)
	assert.Equal(t, 1098.5, l.Capital())

	s = l.Mark(map[string]float64{"AUSDT": 80}, t0.Add(2*time.Hour))
	assert.Zero(t, s.UnrealizedPnL)
	assert.Equal(t, 1098.5, s.PortfolioValue)
	assert.Len(t, l.History(), 3)

	assert.Zero(t, l.Close("AUSDT", 50, 1), "closing a flat position is a no-op")
}

// 组合价值 = 初始资金 + 已实现 + 未实现，且现金 = 初始资金 + 已实现
func TestEquityIdentity(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("portfolio value identity holds after every mark", prop.ForAll(
		func(qtys []float64, prices []float64) bool {
			l := New(10000, zap.NewNop())
			symbols := []string{"A", "B", "C"}
			for i, q := range qtys {
				sym := symbols[i%len(symbols)]
				price := prices[i%len(prices)]
				if l.Position(sym).IsFlat() {
					l.Open(sym, q, price, price*0.001)
				} else {
					l.Close(sym, price, price*0.001)
				}
				marks := map[string]float64{}
				for j, s := range symbols {
					marks[s] = prices[(i+j)%len(prices)]
				}
				sample := l.Mark(marks, t0.Add(time.Duration(i)*time.Hour))

				realized, unrealized := l.totals()
				if !approx(sample.PortfolioValue, 10000+realized+unrealized) {
					return false
				}
				if !approx(l.Capital(), 10000+realized) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.Float64Range(-50, 50)),
		gen.SliceOfN(7, gen.Float64Range(1, 500)),
	))

	properties.TestingRun(t)
}

func approx(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-6
}

func TestMaxDrawdown(t *testing.T) {
	assert.Zero(t, MaxDrawdown(nil))

	h := []models.EquitySample{{PortfolioValue: 100}, {PortfolioValue: 120}, {PortfolioValue: 90}, {PortfolioValue: 130}, {PortfolioValue: 110}}
	assert.Equal(t, 30.0, MaxDrawdown(h))
}

func TestRound(t *testing.T) {
	assert.Equal(t, 0.13, Round(0.125, 2))
	assert.Equal(t, 1.2346, Round(1.23456, 4))
}

func TestStatus(t *testing.T) {
	l := New(1000, zap.NewNop())
	l.Open("A", 10, 100, 1)
	l.Open("B", -20, 50, 1)
	l.Record(models.Trade{}, models.Trade{})
	l.Mark(map[string]float64{"A": 110, "B": 50}, t0)
	l.Close("A", 105, 1)
	l.Close("B", 45, 1)
	l.Record(models.Trade{}, models.Trade{})
	l.RecordWin()
	l.Mark(map[string]float64{"A": 105, "B": 45}, t0.Add(time.Hour))

	states := []*models.PairState{
		{Pair: models.PairKey{Symbol1: "C", Symbol2: "D"}, CurrentPosition: models.Flat, ZValue: 0.123456, Threshold: 0.5},
		{Pair: models.PairKey{Symbol1: "A", Symbol2: "B"}, CurrentPosition: models.LongSpread, ZValue: -0.3, Threshold: 0.2},
	}
	st := l.Status(states, &t0, t0.Add(time.Hour))

	// 50 + 100 - 4 = 146
	assert.Equal(t, 1146.0, st.CurrentValue)
	assert.Equal(t, 146.0, st.TotalReturn)
	assert.Equal(t, 14.6, st.ReturnPct)
	assert.Equal(t, 4, st.TotalTrades)
	assert.Equal(t, 1, st.WinningTrades)
	assert.Equal(t, 50.0, st.WinRate)
	assert.Equal(t, 4.0, st.TotalCommission)
	assert.Empty(t, st.ActivePositions)

	require.Len(t, st.Pairs, 2)
	assert.Equal(t, "A_B", st.Pairs[0].Pair)
	assert.Equal(t, "LONG_SPREAD", st.Pairs[0].State)
	assert.Equal(t, 0.1235, st.Pairs[1].ZValue)
}

func TestExportRestore(t *testing.T) {
	l := New(1000, zap.NewNop())
	l.Open("A", 3, 10, 0.03)
	l.Record(models.Trade{ID: "x", Symbol: "A"})
	l.Mark(map[string]float64{"A": 12}, t0)

	st := &models.EngineState{}
	l.Export(st)

	r := New(1, zap.NewNop())
	r.Restore(st)
	assert.Equal(t, 1000.0, r.InitialCapital())
	assert.Equal(t, l.Capital(), r.Capital())
	assert.Equal(t, 1, r.TotalTrades())
	assert.Equal(t, 3.0, r.Position("A").Quantity)
	assert.Len(t, r.History(), 1)
	assert.Equal(t, l.Snapshot().PortfolioValue, r.Snapshot().PortfolioValue)
}
