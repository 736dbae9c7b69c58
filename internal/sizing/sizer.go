// Package sizing 计算受对冲比例、盘口流动性和单对资金上限约束的下单数量。
package sizing

import (
	"math"

	"pairs-arb-go/internal/models"
)

// Sizer 仓位计算器
type Sizer struct {
	capitalCap   float64
	slippageRate float64
}

// NewSizer 创建仓位计算器，capitalCap = max_position_pct * initial_capital。
// slippageRate 与成交模拟器一致，数量按滑点后的成交价计算。
func NewSizer(capitalCap, slippageRate float64) *Sizer {
	return &Sizer{capitalCap: capitalCap, slippageRate: slippageRate}
}

// FillPrices 返回两腿按滑点调整后的成交价: 买入 ask*(1+s)，卖出 bid*(1-s)
func (s *Sizer) FillPrices(intent models.Intent, q1, q2 models.Quote) (float64, float64) {
	buy := func(q models.Quote) float64 { return q.Ask * (1 + s.slippageRate) }
	sell := func(q models.Quote) float64 { return q.Bid * (1 - s.slippageRate) }
	switch intent {
	case models.IntentOpenLongSpread:
		return sell(q1), buy(q2)
	case models.IntentOpenShortSpread:
		return buy(q1), sell(q2)
	}
	return 0, 0
}

// CapitalCap 返回单对资金上限
func (s *Sizer) CapitalCap() float64 {
	return s.capitalCap
}

// Size 返回两腿的整数数量。任一腿取整后为0时返回 (0, 0)，整单放弃。
//
// 做多价差: 卖 symbol1 @bid1, 买 symbol2 @ask2
// 做空价差: 买 symbol1 @ask1, 卖 symbol2 @bid2
//
// price1/price2 是含滑点的成交价，hr = gamma * price1 / price2，
// qty2 = floor(min(vol1*hr, vol2, max1*hr, max2)), qty1 = floor(qty2 / hr)
func (s *Sizer) Size(gamma float64, intent models.Intent, q1, q2 models.Quote) (float64, float64) {
	var vol1, vol2 float64
	switch intent {
	case models.IntentOpenLongSpread:
		vol1, vol2 = q1.BidVolume, q2.AskVolume
	case models.IntentOpenShortSpread:
		vol1, vol2 = q1.AskVolume, q2.BidVolume
	default:
		return 0, 0
	}
	price1, price2 := s.FillPrices(intent, q1, q2)

	if !valid(price1) || !valid(price2) || !valid(gamma) || !valid(s.capitalCap) {
		return 0, 0
	}
	if math.IsNaN(vol1) || math.IsNaN(vol2) || vol1 <= 0 || vol2 <= 0 {
		return 0, 0
	}

	hr := gamma * (price1 / price2)
	if !valid(hr) {
		return 0, 0
	}

	max1 := math.Floor(s.capitalCap / price1)
	max2 := math.Floor(s.capitalCap / price2)

	trade := math.Floor(math.Min(math.Min(vol1*hr, vol2), math.Min(max1*hr, max2)))
	if !(trade > 0) || math.IsInf(trade, 0) {
		return 0, 0
	}

	qty2 := trade
	qty1 := math.Floor(qty2 / hr)
	if qty1 <= 0 || qty2 <= 0 {
		return 0, 0
	}
	return qty1, qty2
}

// SizeOrder 是 Size 的便捷包装，数量为0时返回 ErrSizingZero
func (s *Sizer) SizeOrder(pair models.PairKey, gamma float64, intent models.Intent, q1, q2 models.Quote) (models.Order, error) {
	qty1, qty2 := s.Size(gamma, intent, q1, q2)
	if qty1 == 0 || qty2 == 0 {
		return models.Order{}, models.ErrSizingZero
	}
	return models.Order{Pair: pair, Intent: intent, Qty1: qty1, Qty2: qty2}, nil
}

func valid(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
