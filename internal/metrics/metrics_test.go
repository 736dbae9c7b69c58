package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"pairs-arb-go/internal/engine"
	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/models"
	"pairs-arb-go/internal/recalibration"
)

func TestObserveTick(t *testing.T) {
	m := New()
	pair := models.PairKey{Symbol1: "AUSDT", Symbol2: "BUSDT"}
	m.ObserveTick(engine.TickResult{
		Timestamp: time.Now(),
		Gap:       true,
		Skipped:   []string{"X_Y"},
		Trades: []models.Trade{
			{Pair: pair, SignalType: models.SignalOpen},
			{Pair: pair, SignalType: models.SignalOpen},
		},
		Sample: models.EquitySample{Timestamp: time.Now(), PortfolioValue: 1234},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GapTicksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkippedPairsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TradesTotal.WithLabelValues("AUSDT_BUSDT", "OPEN")))
	assert.Equal(t, 1234.0, testutil.ToFloat64(m.PortfolioValue))
}

func TestObserveStatusAndRecalibration(t *testing.T) {
	m := New()
	m.ObserveStatus(ledger.Status{
		CurrentValue:   990,
		MaxDrawdownPct: 1.5,
		Pairs: []ledger.PairStatus{
			{Pair: "A_B", Position: 1, ZValue: 0.7},
			{Pair: "C_D", Position: 0, ZValue: -0.1},
		},
	})
	assert.Equal(t, 990.0, testutil.ToFloat64(m.PortfolioValue))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenPairs))
	assert.Equal(t, 0.7, testutil.ToFloat64(m.ZValue.WithLabelValues("A_B")))

	m.ObserveRecalibration(recalibration.Report{Results: map[string]recalibration.Outcome{
		"A_B": recalibration.Applied,
		"C_D": recalibration.Skipped,
		"E_F": recalibration.Skipped,
	}})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecalibrationsTotal.WithLabelValues("SKIPPED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecalibrationsTotal.WithLabelValues("APPLIED")))
}
