// Package reporter 计算回测绩效指标并以表格形式输出运行状态。
package reporter

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/models"
)

// 年化因子，与样本周期无关
const annualization = 252

// PairPerformance 单个交易对的表现
type PairPerformance struct {
	Pair       string  `json:"pair"`
	Trades     int     `json:"trades"`
	RoundTrips int     `json:"round_trips"`
	Wins       int     `json:"wins"`
	NetPnL     float64 `json:"net_pnl"`
	Commission float64 `json:"commission"`
}

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	InitialCapital  float64           `json:"initial_capital"`
	FinalValue      float64           `json:"final_value"`
	TotalReturn     float64           `json:"total_return"`
	ReturnPct       float64           `json:"return_pct"`
	MaxDrawdown     float64           `json:"max_drawdown"`
	MaxDrawdownPct  float64           `json:"max_drawdown_pct"`
	SharpeRatio     float64           `json:"sharpe_ratio"`
	CalmarRatio     float64           `json:"calmar_ratio"` // 无回撤时为 +Inf
	WinningPeriods  int               `json:"winning_periods"`
	LosingPeriods   int               `json:"losing_periods"`
	AvgWin          float64           `json:"avg_win"`
	AvgLoss         float64           `json:"avg_loss"`
	ProfitFactor    float64           `json:"profit_factor"` // 无亏损周期时为 +Inf
	TotalTrades     int               `json:"total_trades"`
	WinningTrades   int               `json:"winning_trades"`
	WinRate         float64           `json:"win_rate"`
	TotalCommission float64           `json:"total_commission"`
	Pairs           []PairPerformance `json:"pairs"`
}

// CalculateMetrics 根据账本计算绩效。
// 周期盈亏取相邻两次估值之差，夏普比率按周期收益率的均值/标准差乘以 sqrt(252)。
func CalculateMetrics(l *ledger.Ledger) *Metrics {
	history := l.History()
	m := &Metrics{
		InitialCapital:  l.InitialCapital(),
		FinalValue:      l.InitialCapital(),
		TotalTrades:     l.TotalTrades(),
		WinningTrades:   l.WinningTrades(),
		TotalCommission: ledger.Round(l.TotalCommission(), 2),
		Pairs:           pairPerformance(l.Trades()),
	}
	if n := len(history); n > 0 {
		m.StartTime = history[0].Timestamp
		m.EndTime = history[n-1].Timestamp
		m.FinalValue = history[n-1].PortfolioValue
	}
	m.WinRate = ledger.Round(float64(m.WinningTrades)/math.Max(1, float64(m.TotalTrades/2))*100, 2)

	m.TotalReturn = m.FinalValue - m.InitialCapital
	m.ReturnPct = percent(m.TotalReturn, m.InitialCapital)
	dd := ledger.MaxDrawdown(history)
	// 回撤不会超过全部资金
	m.MaxDrawdown = math.Min(dd, m.InitialCapital)
	m.MaxDrawdownPct = percent(m.MaxDrawdown, m.InitialCapital)

	returns := make([]float64, 0, len(history))
	var sumWin, sumLoss float64
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1].PortfolioValue, history[i].PortfolioValue
		if prev != 0 {
			returns = append(returns, cur/prev-1)
		}
		switch pnl := cur - prev; {
		case pnl > 0:
			m.WinningPeriods++
			sumWin += pnl
		case pnl < 0:
			m.LosingPeriods++
			sumLoss += pnl
		}
	}
	if m.WinningPeriods > 0 {
		m.AvgWin = sumWin / float64(m.WinningPeriods)
	}
	if m.LosingPeriods > 0 {
		m.AvgLoss = sumLoss / float64(m.LosingPeriods)
	}

	if mean, std := meanStd(returns); std > 0 {
		m.SharpeRatio = mean / std * math.Sqrt(annualization)
	}
	if m.AvgLoss != 0 {
		m.ProfitFactor = math.Abs(m.AvgWin / m.AvgLoss)
	} else {
		m.ProfitFactor = math.Inf(1)
	}
	if m.MaxDrawdownPct > 0 {
		m.CalmarRatio = m.ReturnPct / m.MaxDrawdownPct
	} else {
		m.CalmarRatio = math.Inf(1)
	}

	m.FinalValue = ledger.Round(m.FinalValue, 2)
	m.TotalReturn = ledger.Round(m.TotalReturn, 2)
	m.ReturnPct = ledger.Round(m.ReturnPct, 2)
	m.MaxDrawdown = ledger.Round(m.MaxDrawdown, 2)
	m.MaxDrawdownPct = ledger.Round(m.MaxDrawdownPct, 2)
	m.SharpeRatio = roundFinite(m.SharpeRatio, 3)
	m.CalmarRatio = roundFinite(m.CalmarRatio, 3)
	m.ProfitFactor = roundFinite(m.ProfitFactor, 3)
	m.AvgWin = ledger.Round(m.AvgWin, 2)
	m.AvgLoss = ledger.Round(m.AvgLoss, 2)
	return m
}

// pairPerformance 按交易对汇总已完成的开平仓周期。
// 一个周期的净盈亏 = 卖出金额 - 买入金额 - 手续费。
func pairPerformance(trades []models.Trade) []PairPerformance {
	byPair := make(map[string]*PairPerformance)
	for _, tr := range trades {
		key := tr.Pair.String()
		p, ok := byPair[key]
		if !ok {
			p = &PairPerformance{Pair: key}
			byPair[key] = p
		}
		p.Trades++
		p.Commission += tr.Commission
	}

	out := make([]PairPerformance, 0, len(byPair))
	for key, p := range byPair {
		p.RoundTrips, p.Wins, p.NetPnL = settle(trades, key)
		p.Commission = ledger.Round(p.Commission, 2)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// settle 只统计已平仓的周期，未平仓部分不计入净盈亏。
// 平仓的两条腿时间戳相同，遇到下一条非平仓成交或不同时间戳时结算。
func settle(trades []models.Trade, pair string) (rounds, wins int, net float64) {
	var cycle float64
	var lastClose time.Time
	closing := false
	for _, tr := range trades {
		if tr.Pair.String() != pair {
			continue
		}
		if closing && (tr.SignalType != models.SignalClose || !tr.Timestamp.Equal(lastClose)) {
			rounds++
			if cycle > 0 {
				wins++
			}
			net += cycle
			cycle = 0
			closing = false
		}
		flow := tr.Value
		if tr.Side == models.Buy {
			flow = -flow
		}
		cycle += flow - tr.Commission
		if tr.SignalType == models.SignalClose {
			closing = true
			lastClose = tr.Timestamp
		}
	}
	if closing {
		rounds++
		if cycle > 0 {
			wins++
		}
		net += cycle
	}
	return rounds, wins, ledger.Round(net, 2)
}

func meanStd(v []float64) (float64, float64) {
	if len(v) < 2 {
		return 0, 0
	}
	mean, _ := stats.Mean(v)
	std, err := stats.StandardDeviationSample(v)
	if err != nil {
		return 0, 0
	}
	return mean, std
}

func percent(v, base float64) float64 {
	if base == 0 {
		return 0
	}
	return v / base * 100
}

func roundFinite(v float64, places int32) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	return ledger.Round(v, places)
}

func ratio(v float64) string {
	if math.IsInf(v, 1) {
		return "∞"
	}
	return fmt.Sprintf("%.3f", v)
}

// RenderReport 输出回测结果报告
func RenderReport(w io.Writer, m *Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("回测结果报告")
	t.AppendRows([]table.Row{
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialCapital)},
		{"最终资金", fmt.Sprintf("%.2f USDT", m.FinalValue)},
		{"总收益", fmt.Sprintf("%.2f USDT", m.TotalReturn)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ReturnPct)},
		{"最大回撤", fmt.Sprintf("%.2f USDT (%.2f%%)", m.MaxDrawdown, m.MaxDrawdownPct)},
		{"夏普比率", ratio(m.SharpeRatio)},
		{"Calmar比率", ratio(m.CalmarRatio)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"成交笔数", m.TotalTrades},
		{"盈利平仓", m.WinningTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"盈利/亏损周期", fmt.Sprintf("%d/%d", m.WinningPeriods, m.LosingPeriods)},
		{"平均盈利", fmt.Sprintf("%.2f", m.AvgWin)},
		{"平均亏损", fmt.Sprintf("%.2f", m.AvgLoss)},
		{"盈亏比", ratio(m.ProfitFactor)},
		{"总手续费", fmt.Sprintf("%.2f USDT", m.TotalCommission)},
	})
	t.Render()

	if len(m.Pairs) == 0 {
		return
	}
	pt := table.NewWriter()
	pt.SetOutputMirror(w)
	pt.SetStyle(table.StyleLight)
	pt.SetTitle("各交易对表现")
	pt.AppendHeader(table.Row{"交易对", "成交", "周期", "盈利周期", "净盈亏", "手续费"})
	for _, p := range m.Pairs {
		pt.AppendRow(table.Row{p.Pair, p.Trades, p.RoundTrips, p.Wins, fmt.Sprintf("%.2f", p.NetPnL), fmt.Sprintf("%.2f", p.Commission)})
	}
	pt.Render()
}

// RenderStatus 输出运行状态表
func RenderStatus(w io.Writer, st ledger.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("运行状态 %s", st.CurrentTime.Format("2006-01-02 15:04:05"))
	t.AppendRows([]table.Row{
		{"组合价值", fmt.Sprintf("%.2f USDT", st.CurrentValue)},
		{"总收益", fmt.Sprintf("%.2f USDT (%.2f%%)", st.TotalReturn, st.ReturnPct)},
		{"最大回撤", fmt.Sprintf("%.2f USDT (%.2f%%)", st.MaxDrawdown, st.MaxDrawdownPct)},
		{"成交笔数", st.TotalTrades},
		{"胜率", fmt.Sprintf("%.2f%%", st.WinRate)},
		{"总手续费", fmt.Sprintf("%.2f USDT", st.TotalCommission)},
	})
	t.Render()

	pt := table.NewWriter()
	pt.SetOutputMirror(w)
	pt.SetStyle(table.StyleLight)
	pt.AppendHeader(table.Row{"交易对", "状态", "Z值", "阈值"})
	for _, p := range st.Pairs {
		pt.AppendRow(table.Row{p.Pair, p.State, fmt.Sprintf("%.4f", p.ZValue), fmt.Sprintf("%.4f", p.Threshold)})
	}
	if len(st.ActivePositions) > 0 {
		pt.AppendSeparator()
		for _, pos := range st.ActivePositions {
			pt.AppendRow(table.Row{pos.Symbol, fmt.Sprintf("%.6f", pos.Quantity), fmt.Sprintf("@%.4f", pos.AvgPrice), fmt.Sprintf("%.2f", pos.UnrealizedPnL)})
		}
	}
	pt.Render()
}

// StatusReporter 把状态写入日志并渲染表格
type StatusReporter struct {
	out    io.Writer
	logger *zap.Logger
}

// NewStatusReporter creates a reporter. out may be nil to only log.
func NewStatusReporter(out io.Writer, logger *zap.Logger) *StatusReporter {
	return &StatusReporter{out: out, logger: logger}
}

// ReportStatus 输出一次状态摘要
func (r *StatusReporter) ReportStatus(st ledger.Status) {
	r.logger.Info("运行状态",
		zap.Float64("portfolio_value", st.CurrentValue),
		zap.Float64("return_pct", st.ReturnPct),
		zap.Float64("max_drawdown_pct", st.MaxDrawdownPct),
		zap.Int("total_trades", st.TotalTrades),
		zap.Float64("win_rate", st.WinRate),
		zap.Int("active_positions", len(st.ActivePositions)),
	)
	if r.out != nil {
		RenderStatus(r.out, st)
	}
}
