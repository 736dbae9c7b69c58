package recalibration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pairs-arb-go/internal/cointegration"
	"pairs-arb-go/internal/models"
)

type fakeAnalyzer struct {
	res cointegration.Result
	err error
}

func (f fakeAnalyzer) Analyze(_, _ []float64) (cointegration.Result, error) {
	return f.res, f.err
}

func target(gamma float64, pos models.SpreadPosition) Target {
	cfg := &models.PairConfig{Symbol1: "AUSDT", Symbol2: "BUSDT", Gamma: gamma, Std: 0.01, Threshold: 0.015}
	return Target{
		Config: cfg,
		State:  &models.PairState{Pair: cfg.Pair(), Gamma: gamma, Threshold: 0.015, CurrentPosition: pos},
	}
}

func TestMaterial(t *testing.T) {
	c := NewController(fakeAnalyzer{}, -1, 0.05, zap.NewNop())
	assert.False(t, c.Material(1.0, 1.09))
	assert.False(t, c.Material(1.0, 0.91))
	assert.True(t, c.Material(1.0, 1.11))
	assert.True(t, c.Material(-1.0, -0.85))
	assert.True(t, c.Material(0, 0.5))
	assert.False(t, c.Material(0, 0))

	// min_change 为 0 时任何变化都会更新
	c = NewController(fakeAnalyzer{}, 0, 0.05, zap.NewNop())
	assert.True(t, c.Material(1.0, 1.001))
	assert.False(t, c.Material(1.0, 1.0))
}

func TestRecalibrate_AppliesWithoutTouchingPosition(t *testing.T) {
	c := NewController(fakeAnalyzer{}, 0.10, 0.05, zap.NewNop())
	tg := target(1.0, models.LongSpread)

	out := c.Recalibrate(tg.Config, tg.State, models.CointegrationParams{Constant: 0.3, Gamma: 1.25, Std: 0.02})
	assert.Equal(t, Applied, out)
	assert.Equal(t, 1.25, tg.State.Gamma)
	assert.InDelta(t, 0.03, tg.State.Threshold, 1e-12)
	assert.Equal(t, 0.3, tg.Config.Constant)
	assert.Equal(t, 0.02, tg.Config.Std)
	assert.Equal(t, models.LongSpread, tg.State.CurrentPosition, "open positions are never force-closed")
}

func TestRecalibrate_SkipsSmallChange(t *testing.T) {
	c := NewController(fakeAnalyzer{}, 0.10, 0.05, zap.NewNop())
	tg := target(1.0, models.Flat)

	out := c.Recalibrate(tg.Config, tg.State, models.CointegrationParams{Gamma: 1.05, Std: 0.5})
	assert.Equal(t, Skipped, out)
	assert.Equal(t, 1.0, tg.State.Gamma)
	assert.Equal(t, 0.015, tg.State.Threshold)
}

func TestRecalibrate_RejectsInvalidParams(t *testing.T) {
	c := NewController(fakeAnalyzer{}, 0.10, 0.05, zap.NewNop())
	tg := target(1.0, models.Flat)
	assert.Equal(t, Failed, c.Recalibrate(tg.Config, tg.State, models.CointegrationParams{Gamma: 2, Std: 0}))
	assert.Equal(t, 1.0, tg.State.Gamma)
}

func TestRun(t *testing.T) {
	good := fakeAnalyzer{res: cointegration.Result{Constant: 0.1, Gamma: 1.5, Residuals: []float64{-0.02, 0, 0.02}}}
	series := map[string][]float64{"AUSDT": {1}, "BUSDT": {1}}

	tg := target(1.0, models.Flat)
	missing := Target{
		Config: &models.PairConfig{Symbol1: "CUSDT", Symbol2: "DUSDT", Gamma: 1},
		State:  &models.PairState{Gamma: 1},
	}

	rep := NewController(good, 0.10, 0.05, zap.NewNop()).Run([]Target{tg, missing}, series)
	assert.Equal(t, 1, rep.Applied)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, Applied, rep.Results["AUSDT_BUSDT"])
	assert.Equal(t, Failed, rep.Results["CUSDT_DUSDT"])
	assert.InDelta(t, 0.03, tg.State.Threshold, 1e-12)
	assert.Equal(t, 1.0, missing.State.Gamma)

	failing := fakeAnalyzer{err: errors.New("boom")}
	tg2 := target(1.0, models.Flat)
	rep = NewController(failing, 0.10, 0.05, zap.NewNop()).Run([]Target{tg2}, series)
	require.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1.0, tg2.State.Gamma)
	assert.Equal(t, "FAILED", rep.Results["AUSDT_BUSDT"].String())
}

func TestRun_KeepsParamsWhenNoLongerCointegrated(t *testing.T) {
	series := map[string][]float64{"AUSDT": {1}, "BUSDT": {1}}
	broken := fakeAnalyzer{res: cointegration.Result{Constant: 0.4, Gamma: 2, PValue: 0.9, Residuals: []float64{-0.1, 0, 0.1}}}

	tg := target(1.0, models.Flat)
	rep := NewController(broken, 0.10, 0.05, zap.NewNop()).Run([]Target{tg}, series)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, Failed, rep.Results["AUSDT_BUSDT"])
	assert.Equal(t, 1.0, tg.State.Gamma)
	assert.Equal(t, 0.015, tg.State.Threshold)
	assert.Equal(t, 1.0, tg.Config.Gamma)
	assert.Zero(t, tg.Config.Constant)

	// 刚好等于阈值仍然接受
	edge := fakeAnalyzer{res: cointegration.Result{Gamma: 2, PValue: 0.05, Residuals: []float64{-0.1, 0, 0.1}}}
	tg = target(1.0, models.Flat)
	rep = NewController(edge, 0.10, 0.05, zap.NewNop()).Run([]Target{tg}, series)
	assert.Equal(t, Applied, rep.Results["AUSDT_BUSDT"])
	assert.Equal(t, 2.0, tg.State.Gamma)
}
