// Package ledger owns the per-symbol positions, cash capital, trade log and
// equity history of a simulation run.
package ledger

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"pairs-arb-go/internal/models"
)

// Ledger 组合账本。非并发安全，只能由单一写者调用。
type Ledger struct {
	initialCapital  float64
	capital         float64
	totalCommission float64
	totalTrades     int
	winningTrades   int

	positions map[string]*models.Position
	trades    []models.Trade
	history   []models.EquitySample

	logger *zap.Logger
}

// Summary 是 Snapshot 返回的组合汇总
type Summary struct {
	Timestamp       time.Time
	PortfolioValue  float64
	RealizedPnL     float64
	UnrealizedPnL   float64
	Capital         float64
	TotalCommission float64
	ActivePositions []models.Position
}

// New creates an empty ledger funded with initialCapital.
func New(initialCapital float64, logger *zap.Logger) *Ledger {
	return &Ledger{
		initialCapital: initialCapital,
		capital:        initialCapital,
		positions:      make(map[string]*models.Position),
		trades:         make([]models.Trade, 0),
		history:        make([]models.EquitySample, 0, 1024),
		logger:         logger,
	}
}

// InitialCapital 初始资金
func (l *Ledger) InitialCapital() float64 { return l.initialCapital }

// Capital 当前现金
func (l *Ledger) Capital() float64 { return l.capital }

// TotalCommission 累计手续费
func (l *Ledger) TotalCommission() float64 { return l.totalCommission }

// TotalTrades 累计成交腿数
func (l *Ledger) TotalTrades() int { return l.totalTrades }

// WinningTrades 盈利的平仓次数
func (l *Ledger) WinningTrades() int { return l.winningTrades }

// Trades 返回完整的内存成交记录（只读）
func (l *Ledger) Trades() []models.Trade { return l.trades }

// History 返回完整的权益曲线（只读）
func (l *Ledger) History() []models.EquitySample { return l.history }

// Position 返回币种持仓，首次出现时惰性创建
func (l *Ledger) Position(symbol string) *models.Position {
	pos, ok := l.positions[symbol]
	if !ok {
		pos = &models.Position{Symbol: symbol}
		l.positions[symbol] = pos
	}
	return pos
}

// Positions 返回所有持仓的副本，按币种排序
func (l *Ledger) Positions() []models.Position {
	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Open 从空仓直接设置持仓数量和均价，并扣除手续费
func (l *Ledger) Open(symbol string, signedQty, price, commission float64) {
	pos := l.Position(symbol)
	if !pos.IsFlat() {
		// 不允许加仓，调用方保证从空仓开仓
		l.logger.Sugar().Errorf("%s 已有持仓 %.8f，拒绝叠加开仓", symbol, pos.Quantity)
		return
	}
	pos.Quantity = signedQty
	pos.AvgPrice = price
	pos.UnrealizedPnL = 0
	l.charge(pos, commission)
}

// Close 以 exitPrice 平掉全部持仓，返回未扣手续费的已实现盈亏
func (l *Ledger) Close(symbol string, exitPrice, commission float64) float64 {
	pos := l.Position(symbol)
	if pos.IsFlat() {
		return 0
	}
	pnl := pos.Quantity * (exitPrice - pos.AvgPrice)
	pos.RealizedPnL += pnl
	l.capital += pnl
	l.charge(pos, commission)

	pos.Quantity = 0
	pos.AvgPrice = 0
	pos.UnrealizedPnL = 0
	return pnl
}

func (l *Ledger) charge(pos *models.Position, commission float64) {
	pos.RealizedPnL -= commission
	l.capital -= commission
	l.totalCommission += commission
}

// Record 追加成交记录
func (l *Ledger) Record(trades ...models.Trade) {
	l.trades = append(l.trades, trades...)
	l.totalTrades += len(trades)
}

// RecordWin 记录一次盈利的平仓
func (l *Ledger) RecordWin() {
	l.winningTrades++
}

// Mark 按中间价更新未实现盈亏并追加一个权益样本。
// 缺少价格的币种沿用上一次的未实现盈亏。
func (l *Ledger) Mark(prices map[string]float64, ts time.Time) models.EquitySample {
	for sym, pos := range l.positions {
		if pos.IsFlat() {
			pos.UnrealizedPnL = 0
			continue
		}
		mid, ok := prices[sym]
		if !ok || !(mid > 0) {
			l.logger.Sugar().Debugf("%s 无可用价格，沿用未实现盈亏 %.4f", sym, pos.UnrealizedPnL)
			continue
		}
		pos.UnrealizedPnL = pos.Quantity * (mid - pos.AvgPrice)
	}

	realized, unrealized := l.totals()
	sample := models.EquitySample{
		Timestamp:       ts,
		PortfolioValue:  l.initialCapital + realized + unrealized,
		RealizedPnL:     realized,
		UnrealizedPnL:   unrealized,
		Capital:         l.capital,
		TotalCommission: l.totalCommission,
	}
	l.history = append(l.history, sample)
	return sample
}

func (l *Ledger) totals() (realized, unrealized float64) {
	for _, pos := range l.positions {
		realized += pos.RealizedPnL
		unrealized += pos.UnrealizedPnL
	}
	return realized, unrealized
}

// Snapshot 返回当前汇总（不追加样本）
func (l *Ledger) Snapshot() Summary {
	realized, unrealized := l.totals()
	s := Summary{
		PortfolioValue:  l.initialCapital + realized + unrealized,
		RealizedPnL:     realized,
		UnrealizedPnL:   unrealized,
		Capital:         l.capital,
		TotalCommission: l.totalCommission,
	}
	if n := len(l.history); n > 0 {
		s.Timestamp = l.history[n-1].Timestamp
	}
	for _, p := range l.Positions() {
		if !p.IsFlat() {
			s.ActivePositions = append(s.ActivePositions, p)
		}
	}
	return s
}

// Export 将账本写入持久化状态
func (l *Ledger) Export(state *models.EngineState) {
	state.InitialCapital = l.initialCapital
	state.Capital = l.capital
	state.TotalTrades = l.totalTrades
	state.WinningTrades = l.winningTrades
	state.TotalCommission = l.totalCommission

	state.Positions = make(map[string]*models.Position, len(l.positions))
	for sym, p := range l.positions {
		cp := *p
		state.Positions[sym] = &cp
	}
	state.Trades = append([]models.Trade(nil), l.trades...)
	state.PortfolioHistory = append([]models.EquitySample(nil), l.history...)
}

// Restore 从持久化状态恢复账本
func (l *Ledger) Restore(state *models.EngineState) {
	if state.InitialCapital > 0 {
		l.initialCapital = state.InitialCapital
	}
	l.capital = state.Capital
	l.totalTrades = state.TotalTrades
	l.winningTrades = state.WinningTrades
	l.totalCommission = state.TotalCommission

	l.positions = make(map[string]*models.Position, len(state.Positions))
	for sym, p := range state.Positions {
		if p == nil {
			continue
		}
		cp := *p
		if cp.Symbol == "" {
			cp.Symbol = sym
		}
		if cp.Quantity == 0 {
			cp.AvgPrice = 0
		}
		l.positions[sym] = &cp
	}
	l.trades = append(make([]models.Trade, 0, len(state.Trades)), state.Trades...)
	l.history = append(make([]models.EquitySample, 0, len(state.PortfolioHistory)), state.PortfolioHistory...)
}
