package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pairs-arb-go/internal/cointegration"
	"pairs-arb-go/internal/models"
	"pairs-arb-go/internal/recalibration"
)

var t0 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func opts() Options {
	return Options{InitialCapital: 100000, MaxPositionPct: 0.1, CommissionRate: 0.001}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(opts(), zap.NewNop())
	require.NoError(t, e.InitializePairs([]models.PairConfig{{
		Symbol1: "AUSDT", Symbol2: "BUSDT", Gamma: 1, Std: 0.01, Threshold: 0.02,
	}}, t0))
	return e
}

func flatQuote(p float64) models.Quote {
	return models.Quote{Bid: p, Ask: p, Mid: p, BidVolume: 1e6, AskVolume: 1e6}
}

func snap(h int, p1, p2 float64) models.MarketSnapshot {
	return models.MarketSnapshot{
		Timestamp: t0.Add(time.Duration(h) * time.Hour),
		Quotes:    map[string]models.Quote{"AUSDT": flatQuote(p1), "BUSDT": flatQuote(p2)},
	}
}

func TestProcessTick_Scenario(t *testing.T) {
	e := newEngine(t)

	res := e.ProcessTick(snap(0, 100, 100))
	assert.False(t, res.Traded)
	assert.Equal(t, 100000.0, res.Sample.PortfolioValue)

	res = e.ProcessTick(snap(1, 103, 100))
	require.True(t, res.Traded)
	require.Len(t, res.Trades, 2)
	// hr = 1.03, qty2 = floor(min(97*1.03, 100)) = 99, qty1 = floor(99/1.03) = 96
	assert.Equal(t, models.Sell, res.Trades[0].Side)
	assert.Equal(t, 96.0, res.Trades[0].Quantity)
	assert.Equal(t, 99.0, res.Trades[1].Quantity)
	ps, _ := e.PairState("AUSDT_BUSDT")
	assert.Equal(t, models.LongSpread, ps.CurrentPosition)
	require.NotNil(t, ps.LastSignalTime)

	// 持仓期间再次越过阈值不会加仓
	res = e.ProcessTick(snap(2, 106, 100))
	assert.False(t, res.Traded)

	res = e.ProcessTick(snap(3, 100, 100))
	require.Len(t, res.Trades, 2)
	ps, _ = e.PairState("AUSDT_BUSDT")
	assert.Equal(t, models.Flat, ps.CurrentPosition)

	openComm := 96*103*0.001 + 99*100*0.001
	closeComm := 96*100*0.001 + 99*100*0.001
	want := 100000 + 96*3.0 - openComm - closeComm
	assert.InDelta(t, want, res.Sample.PortfolioValue, 1e-6)

	st := e.Status(t0.Add(4 * time.Hour))
	assert.Equal(t, 4, st.TotalTrades)
	assert.Equal(t, 1, st.WinningTrades)
	assert.Equal(t, 50.0, st.WinRate)
	assert.Len(t, e.Ledger().History(), 4)
}

func TestProcessTick_OpenRespectsCapAfterSlippage(t *testing.T) {
	o := opts()
	o.SlippageRate = 0.0005
	e := New(o, zap.NewNop())
	// z = ln(1000) - constant - ln(0.1) = 0.03
	require.NoError(t, e.InitializePairs([]models.PairConfig{{
		Symbol1: "AUSDT", Symbol2: "BUSDT", Constant: math.Log(10000) - 0.03, Gamma: 1, Std: 0.01, Threshold: 0.02,
	}}, t0))

	res := e.ProcessTick(snap(0, 1000, 0.1))
	require.Len(t, res.Trades, 2)
	capCap := o.MaxPositionPct * o.InitialCapital
	for _, tr := range res.Trades {
		assert.LessOrEqual(t, tr.Value, capCap, "%s %s value %.4f", tr.Symbol, tr.Side, tr.Value)
	}
	assert.Equal(t, models.Buy, res.Trades[1].Side)
	assert.InDelta(t, 0.10005, res.Trades[1].Price, 1e-12)
}

func TestProcessTick_GapsAndMissingQuotes(t *testing.T) {
	e := newEngine(t)

	res := e.ProcessTick(models.MarketSnapshot{Timestamp: t0})
	assert.Empty(t, res.Trades)
	assert.Empty(t, e.Ledger().History(), "empty first snapshot is skipped")

	e.ProcessTick(snap(1, 100, 100))

	// 空快照沿用上一个快照并标记 gap
	res = e.ProcessTick(models.MarketSnapshot{Timestamp: t0.Add(2 * time.Hour)})
	assert.True(t, res.Gap)
	assert.Equal(t, t0.Add(2*time.Hour), res.Timestamp)

	res = e.ProcessTick(models.MarketSnapshot{
		Timestamp: t0.Add(3 * time.Hour),
		Quotes:    map[string]models.Quote{"AUSDT": flatQuote(120)},
	})
	assert.Equal(t, []string{"AUSDT_BUSDT"}, res.Skipped)
	assert.False(t, res.Traded)
}

func TestExportRestore_ContinuesRun(t *testing.T) {
	e := newEngine(t)
	e.ProcessTick(snap(0, 100, 100))
	e.ProcessTick(snap(1, 103, 100))
	st := e.ExportState(t0.Add(time.Hour))

	assert.Equal(t, models.StateVersion, st.Version)
	assert.Equal(t, e.RunID(), st.RunID)
	assert.Contains(t, st.CointegrationParams, "AUSDT_BUSDT")

	r := New(opts(), zap.NewNop())
	require.NoError(t, r.Restore(st.Clone()))
	assert.Equal(t, e.RunID(), r.RunID())
	require.NoError(t, r.InitializePairs(nil, t0), "restored pairs satisfy initialization")
	assert.Equal(t, []string{"AUSDT", "BUSDT"}, r.Symbols())

	want := e.ProcessTick(snap(2, 100, 100))
	got := r.ProcessTick(snap(2, 100, 100))
	require.Len(t, got.Trades, 2)
	assert.InDelta(t, want.Sample.PortfolioValue, got.Sample.PortfolioValue, 1e-9)
	assert.NotEqual(t, want.Trades[0].ID, st.Trades[0].ID)
	assert.Equal(t, e.Status(t0).WinningTrades, r.Status(t0).WinningTrades)

	// 交易ID在恢复后不重复
	ids := map[string]bool{}
	for _, tr := range r.Ledger().Trades() {
		assert.False(t, ids[tr.ID], "duplicate id %s", tr.ID)
		ids[tr.ID] = true
	}
}

func TestRestore_MissingParams(t *testing.T) {
	e := newEngine(t)
	st := e.ExportState(t0)
	delete(st.CointegrationParams, "AUSDT_BUSDT")
	assert.ErrorIs(t, New(opts(), zap.NewNop()).Restore(st), models.ErrPersistenceLoad)
	assert.ErrorIs(t, New(opts(), zap.NewNop()).Restore(nil), models.ErrPersistenceLoad)
}

func TestInitializePairs_Empty(t *testing.T) {
	assert.ErrorIs(t, New(opts(), zap.NewNop()).InitializePairs(nil, t0), models.ErrNoTradablePairs)
}

type fixedAnalyzer struct{ res cointegration.Result }

func (f fixedAnalyzer) Analyze(_, _ []float64) (cointegration.Result, error) { return f.res, nil }

func TestRecalibrate(t *testing.T) {
	e := newEngine(t)
	_, err := e.Recalibrate(nil)
	assert.Error(t, err, "no recalibrator configured")

	e.SetRecalibrator(recalibration.NewController(fixedAnalyzer{cointegration.Result{Gamma: 1.5, Residuals: []float64{-0.02, 0, 0.02}}}, 0.1, 0.05, zap.NewNop()))
	rep, err := e.Recalibrate(map[string][]float64{"AUSDT": {1}, "BUSDT": {1}})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Applied)

	ps, _ := e.PairState("AUSDT_BUSDT")
	assert.Equal(t, 1.5, ps.Gamma)
	assert.InDelta(t, 0.03, ps.Threshold, 1e-12)
	assert.Equal(t, 1.5, e.Pairs()[0].Gamma)
	assert.Equal(t, 1.5, e.ExportState(t0).CointegrationParams["AUSDT_BUSDT"].Gamma)
}
