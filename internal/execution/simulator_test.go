package execution

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/models"
)

var (
	t0   = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	pair = models.PairKey{Symbol1: "AUSDT", Symbol2: "BUSDT"}
)

func newSim(l *ledger.Ledger) *Simulator {
	return NewSimulator(l, 0.001, 0.0005, NewIDGenerator(uuid.NewString(), 0), zap.NewNop())
}

func q(bid, ask float64) models.Quote {
	return models.Quote{Bid: bid, Ask: ask, Mid: (bid + ask) / 2, BidVolume: 1e6, AskVolume: 1e6}
}

func TestExecute_OpenLongSpread(t *testing.T) {
	l := ledger.New(10000, zap.NewNop())
	sim := newSim(l)

	order := models.Order{Pair: pair, Intent: models.IntentOpenLongSpread, Qty1: 10, Qty2: 20}
	trades := sim.Execute(order, q(100, 100.2), q(50, 50.1), t0)
	require.Len(t, trades, 2)

	sell, buy := trades[0], trades[1]
	assert.Equal(t, models.Sell, sell.Side)
	assert.Equal(t, "AUSDT", sell.Symbol)
	assert.InDelta(t, 100*(1-0.0005), sell.Price, 1e-9)
	assert.InDelta(t, sell.Price*10*0.001, sell.Commission, 1e-9)
	assert.Equal(t, models.Buy, buy.Side)
	assert.InDelta(t, 50.1*(1+0.0005), buy.Price, 1e-9)
	assert.Equal(t, models.SignalOpen, buy.SignalType)
	assert.NotEqual(t, sell.ID, buy.ID)

	assert.Equal(t, -10.0, l.Position("AUSDT").Quantity)
	assert.Equal(t, 20.0, l.Position("BUSDT").Quantity)
	assert.InDelta(t, 10000-sell.Commission-buy.Commission, l.Capital(), 1e-9)
	assert.Equal(t, 2, l.TotalTrades())
}

func TestExecute_OpenShortSpread(t *testing.T) {
	l := ledger.New(10000, zap.NewNop())
	trades := newSim(l).Execute(models.Order{Pair: pair, Intent: models.IntentOpenShortSpread, Qty1: 1, Qty2: 2}, q(100, 101), q(50, 51), t0)
	require.Len(t, trades, 2)
	assert.Equal(t, models.Buy, trades[0].Side)
	assert.Equal(t, models.Sell, trades[1].Side)
	assert.Equal(t, 1.0, l.Position("AUSDT").Quantity)
	assert.Equal(t, -2.0, l.Position("BUSDT").Quantity)
}

func TestExecute_CloseRealizesPnL(t *testing.T) {
	l := ledger.New(10000, zap.NewNop())
	sim := newSim(l)
	open := sim.Execute(models.Order{Pair: pair, Intent: models.IntentOpenLongSpread, Qty1: 10, Qty2: 20}, q(100, 100), q(50, 50), t0)
	require.Len(t, open, 2)

	// symbol1 下跌、symbol2 上涨，两腿都盈利
	closed := sim.Execute(models.Order{Pair: pair, Intent: models.IntentClose}, q(95, 95), q(52, 52), t0.Add(time.Hour))
	require.Len(t, closed, 2)
	assert.Equal(t, models.Buy, closed[0].Side, "short leg is bought back")
	assert.Equal(t, models.Sell, closed[1].Side)
	assert.Equal(t, models.SignalClose, closed[0].SignalType)
	assert.Equal(t, 10.0, closed[0].Quantity)
	assert.Equal(t, 20.0, closed[1].Quantity)

	pnl1 := -10 * (closed[0].Price - open[0].Price)
	pnl2 := 20 * (closed[1].Price - open[1].Price)
	var comm float64
	for _, tr := range append(open, closed...) {
		comm += tr.Commission
	}
	assert.InDelta(t, 10000+pnl1+pnl2-comm, l.Capital(), 1e-9)
	assert.True(t, l.Position("AUSDT").IsFlat())
	assert.True(t, l.Position("BUSDT").IsFlat())
	assert.Equal(t, 4, l.TotalTrades())
	assert.Equal(t, 1, l.WinningTrades())
	assert.InDelta(t, comm, l.TotalCommission(), 1e-9)
}

func TestExecute_LosingCloseIsNotAWin(t *testing.T) {
	l := ledger.New(10000, zap.NewNop())
	sim := newSim(l)
	sim.Execute(models.Order{Pair: pair, Intent: models.IntentOpenLongSpread, Qty1: 10, Qty2: 20}, q(100, 100), q(50, 50), t0)
	sim.Execute(models.Order{Pair: pair, Intent: models.IntentClose}, q(100, 100), q(50, 50), t0.Add(time.Hour))
	assert.Equal(t, 0, l.WinningTrades(), "slippage and fees make an unchanged round trip a loss")
}

func TestExecute_NoStacking(t *testing.T) {
	l := ledger.New(10000, zap.NewNop())
	sim := newSim(l)
	order := models.Order{Pair: pair, Intent: models.IntentOpenLongSpread, Qty1: 1, Qty2: 1}
	require.Len(t, sim.Execute(order, q(10, 10), q(10, 10), t0), 2)

	// 其他交易对共用一条腿时整单放弃
	other := models.Order{Pair: models.PairKey{Symbol1: "CUSDT", Symbol2: "BUSDT"}, Intent: models.IntentOpenShortSpread, Qty1: 1, Qty2: 1}
	assert.Empty(t, sim.Execute(other, q(10, 10), q(10, 10), t0))
	assert.True(t, l.Position("CUSDT").IsFlat())
	assert.Equal(t, 2, l.TotalTrades())

	assert.Empty(t, sim.Execute(models.Order{Pair: pair, Intent: models.IntentOpenLongSpread}, q(10, 10), q(10, 10), t0), "zero quantity")
	assert.Empty(t, sim.Execute(models.Order{Pair: models.PairKey{Symbol1: "X", Symbol2: "Y"}, Intent: models.IntentClose}, q(10, 10), q(10, 10), t0), "flat close")
}

func TestIDGenerator(t *testing.T) {
	run := uuid.NewString()
	g := NewIDGenerator(run, 0)
	a, b := g.Next(), g.Next()
	assert.NotEqual(t, a, b)
	prefix := strings.SplitN(a, "-", 2)[0]
	assert.True(t, strings.HasPrefix(b, prefix+"-"))

	// 重启后从已有成交数继续
	resumed := NewIDGenerator(run, 2)
	c := resumed.Next()
	assert.NotContains(t, []string{a, b}, c)
	assert.True(t, strings.HasPrefix(c, prefix+"-"))

	assert.Equal(t, "plain-B", NewIDGenerator("plain", 0).Next())
}
