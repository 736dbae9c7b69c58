package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairKey(t *testing.T) {
	k := PairKey{Symbol1: "ETHUSDT", Symbol2: "BTCUSDT"}
	assert.Equal(t, "ETHUSDT_BTCUSDT", k.Key())
	assert.Equal(t, "ETHUSDT-BTCUSDT", k.String())

	parsed, err := ParsePairKey(k.Key())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = ParsePairKey("ETHUSDT")
	assert.Error(t, err)

	data, err := json.Marshal(k)
	require.NoError(t, err)
	assert.JSONEq(t, `["ETHUSDT","BTCUSDT"]`, string(data))

	var back PairKey
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, k, back)
	assert.Error(t, json.Unmarshal([]byte(`["A"]`), &back))
}

func TestSpreadPosition(t *testing.T) {
	assert.Equal(t, "LONG_SPREAD", LongSpread.String())
	assert.Equal(t, "UNKNOWN(7)", SpreadPosition(7).String())
	assert.True(t, ShortSpread.Valid())
	assert.False(t, SpreadPosition(2).Valid())
}

func TestEngineState_CloneAndTruncate(t *testing.T) {
	ts := time.Now()
	st := &EngineState{
		StartTime:  &ts,
		Positions:  map[string]*Position{"A": {Symbol: "A", Quantity: 1}},
		PairStates: map[string]*PairState{"A_B": {Gamma: 1, LastSignalTime: &ts}},
		Trades:     []Trade{{ID: "1"}, {ID: "2"}, {ID: "3"}},
		PortfolioHistory: []EquitySample{
			{PortfolioValue: 1}, {PortfolioValue: 2},
		},
	}

	c := st.Clone()
	c.Positions["A"].Quantity = 5
	c.PairStates["A_B"].Gamma = 2
	c.Trades[0].ID = "x"
	assert.Equal(t, 1.0, st.Positions["A"].Quantity)
	assert.Equal(t, 1.0, st.PairStates["A_B"].Gamma)
	assert.Equal(t, "1", st.Trades[0].ID)
	assert.NotSame(t, st.StartTime, c.StartTime)

	tr := st.Truncated(2, 1)
	assert.Equal(t, []Trade{{ID: "2"}, {ID: "3"}}, tr.Trades)
	assert.Equal(t, 2.0, tr.PortfolioHistory[0].PortfolioValue)
	assert.Len(t, st.Trades, 3)

	var nilState *EngineState
	assert.Nil(t, nilState.Clone())
}

func TestQuoteTradable(t *testing.T) {
	assert.True(t, Quote{Bid: 1, Ask: 1, Mid: 1}.Tradable())
	assert.False(t, Quote{Bid: 0, Ask: 1, Mid: 1}.Tradable())

	s := MarketSnapshot{Quotes: map[string]Quote{"A": {Mid: 2}, "B": {Mid: -1}}}
	assert.Equal(t, map[string]float64{"A": 2}, s.Mids())
}
