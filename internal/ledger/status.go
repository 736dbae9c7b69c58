package ledger

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"pairs-arb-go/internal/models"
)

// PairStatus 单个交易对的状态摘要
type PairStatus struct {
	Pair      string  `json:"pair"`
	Position  int     `json:"position"`
	State     string  `json:"state"`
	ZValue    float64 `json:"z_value"`
	Threshold float64 `json:"threshold"`
}

// Status 是只读的运行状态摘要，用于定期报告
type Status struct {
	StartTime       *time.Time        `json:"start_time"`
	CurrentTime     time.Time         `json:"current_time"`
	InitialCapital  float64           `json:"initial_capital"`
	CurrentValue    float64           `json:"current_value"`
	TotalReturn     float64           `json:"total_return"`
	ReturnPct       float64           `json:"return_pct"`
	MaxDrawdown     float64           `json:"max_drawdown"`
	MaxDrawdownPct  float64           `json:"max_drawdown_pct"`
	TotalTrades     int               `json:"total_trades"`
	WinningTrades   int               `json:"winning_trades"`
	WinRate         float64           `json:"win_rate"`
	TotalCommission float64           `json:"total_commission"`
	ActivePositions []models.Position `json:"active_positions"`
	Pairs           []PairStatus      `json:"pair_status"`
}

// Status 汇总当前账本与交易对状态。
// 最大回撤按运行最高点计算，百分比相对初始资金。
// 胜率 = 盈利平仓次数 / max(1, 成交腿数/2)。
func (l *Ledger) Status(states []*models.PairState, startTime *time.Time, now time.Time) Status {
	current := l.initialCapital
	if n := len(l.history); n > 0 {
		current = l.history[n-1].PortfolioValue
	}
	totalReturn := current - l.initialCapital

	dd := MaxDrawdown(l.history)

	st := Status{
		StartTime:       startTime,
		CurrentTime:     now,
		InitialCapital:  l.initialCapital,
		CurrentValue:    Round(current, 2),
		TotalReturn:     Round(totalReturn, 2),
		ReturnPct:       Round(pct(totalReturn, l.initialCapital), 2),
		MaxDrawdown:     Round(dd, 2),
		MaxDrawdownPct:  Round(pct(dd, l.initialCapital), 2),
		TotalTrades:     l.totalTrades,
		WinningTrades:   l.winningTrades,
		WinRate:         Round(float64(l.winningTrades)/math.Max(1, float64(l.totalTrades/2))*100, 2),
		TotalCommission: Round(l.totalCommission, 2),
		ActivePositions: l.Snapshot().ActivePositions,
	}

	for _, s := range states {
		if s == nil {
			continue
		}
		st.Pairs = append(st.Pairs, PairStatus{
			Pair:      s.Pair.Key(),
			Position:  int(s.CurrentPosition),
			State:     s.CurrentPosition.String(),
			ZValue:    Round(s.ZValue, 4),
			Threshold: Round(s.Threshold, 4),
		})
	}
	sort.Slice(st.Pairs, func(i, j int) bool { return st.Pairs[i].Pair < st.Pairs[j].Pair })
	return st
}

// MaxDrawdown 返回权益曲线相对运行最高点的最大回撤（绝对值，非负）
func MaxDrawdown(history []models.EquitySample) float64 {
	if len(history) == 0 {
		return 0
	}
	peak := history[0].PortfolioValue
	maxDD := 0.0
	for _, s := range history {
		if s.PortfolioValue > peak {
			peak = s.PortfolioValue
		}
		if dd := peak - s.PortfolioValue; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Round 使用十进制舍入，避免 0.125 -> 0.12 这类二进制误差
func Round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func pct(v, base float64) float64 {
	if base == 0 {
		return 0
	}
	return v / base * 100
}
