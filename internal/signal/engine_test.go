package signal

import (
	"math"
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

func TestZValue(t *testing.T) {
	z, ok := ZValue(103, 100, 0, 1)
	require.True(t, ok)
	assert.InDelta(t, math.Log(1.03), z, 1e-12)

	z, ok = ZValue(100, 50, 0.5, 2)
	require.True(t, ok)
	assert.InDelta(t, math.Log(100)-0.5-2*math.Log(50), z, 1e-12)

	for _, c := range []struct{ m1, m2 float64 }{{0, 100}, {100, -1}, {math.NaN(), 1}, {math.Inf(1), 1}} {
		_, ok := ZValue(c.m1, c.m2, 0, 1)
		assert.False(t, ok, "mid1=%v mid2=%v", c.m1, c.m2)
	}
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name string
		pos  models.SpreadPosition
		z    float64
		want models.Intent
	}{
		{"flat inside band", models.Flat, 0.01, models.IntentNone},
		{"flat at upper threshold", models.Flat, 0.02, models.IntentOpenLongSpread},
		{"flat at lower threshold", models.Flat, -0.02, models.IntentOpenShortSpread},
		{"long holds above zero", models.LongSpread, 0.001, models.IntentNone},
		{"long closes at zero", models.LongSpread, 0, models.IntentClose},
		{"long closes when crossed", models.LongSpread, -0.5, models.IntentClose},
		{"short holds below zero", models.ShortSpread, -0.001, models.IntentNone},
		{"short closes at zero", models.ShortSpread, 0, models.IntentClose},
		{"nan never trades", models.Flat, math.NaN(), models.IntentNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.pos, tt.z, 0.02))
		})
	}

	assert.Equal(t, models.IntentNone, Transition(models.Flat, 1, 0), "non-positive threshold never opens")
}

// 持仓状态下永远不会再次开仓
func TestTransition_NoStacking(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("open position only closes or holds", prop.ForAll(
		func(z, thr float64, long bool) bool {
			pos := models.ShortSpread
			if long {
				pos = models.LongSpread
			}
			in := Transition(pos, z, thr)
			return in == models.IntentNone || in == models.IntentClose
		},
		gen.Float64Range(-10, 10),
		gen.Float64Range(0.0001, 5),
		gen.Bool(),
	))

	properties.Property("flat never closes", prop.ForAll(
		func(z, thr float64) bool {
			return Transition(models.Flat, z, thr) != models.IntentClose
		},
		gen.Float64Range(-10, 10),
		gen.Float64Range(0.0001, 5),
	))

	properties.TestingRun(t)
}

func quote(mid float64) models.Quote {
	return models.Quote{Bid: mid, Ask: mid, Mid: mid, BidVolume: 1, AskVolume: 1}
}

func TestEvaluatePair(t *testing.T) {
	e := NewEngine(zap.NewNop())
	cfg := &models.PairConfig{Symbol1: "AUSDT", Symbol2: "BUSDT", Gamma: 1, Threshold: 0.02}
	state := &models.PairState{Pair: cfg.Pair(), Gamma: 1, Threshold: 0.02}

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := models.MarketSnapshot{Timestamp: ts, Quotes: map[string]models.Quote{"AUSDT": quote(103), "BUSDT": quote(100)}}

	ev, ok := e.EvaluatePair(cfg, state, snap)
	require.True(t, ok)
	assert.Equal(t, models.IntentOpenLongSpread, ev.Intent)
	assert.InDelta(t, 0.0296, ev.Z, 1e-4)
	assert.Equal(t, ev.Z, state.ZValue)
	assert.Equal(t, models.Flat, state.CurrentPosition, "evaluation never mutates the position")

	// 缺少一腿报价时跳过
	delete(snap.Quotes, "BUSDT")
	_, ok = e.EvaluatePair(cfg, state, snap)
	assert.False(t, ok)

	// 中间价非正时跳过，z 值保持不变
	snap.Quotes["BUSDT"] = quote(0)
	_, ok = e.EvaluatePair(cfg, state, snap)
	assert.False(t, ok)
	assert.Equal(t, ev.Z, state.ZValue)
}

func TestEvaluate_NilState(t *testing.T) {
	assert.Equal(t, models.IntentNone, NewEngine(zap.NewNop()).Evaluate(nil, 5))
}
