// Package execution 模拟成交：施加滑点与手续费，修改账本持仓并在平仓时实现盈亏。
package execution

import (
	"time"

	"go.uber.org/zap"

	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/models"
)

// Simulator 模拟撮合器
type Simulator struct {
	ledger         *ledger.Ledger
	commissionRate float64
	slippageRate   float64
	ids            *IDGenerator
	logger         *zap.Logger
}

// NewSimulator 创建模拟撮合器
func NewSimulator(l *ledger.Ledger, commissionRate, slippageRate float64, ids *IDGenerator, logger *zap.Logger) *Simulator {
	return &Simulator{
		ledger:         l,
		commissionRate: commissionRate,
		slippageRate:   slippageRate,
		ids:            ids,
		logger:         logger,
	}
}

// BuyPrice 买入成交价 = ask * (1 + slippage)
func (s *Simulator) BuyPrice(q models.Quote) float64 {
	return q.Ask * (1 + s.slippageRate)
}

// SellPrice 卖出成交价 = bid * (1 - slippage)
func (s *Simulator) SellPrice(q models.Quote) float64 {
	return q.Bid * (1 - s.slippageRate)
}

// Execute 执行一个已定量的开仓订单，或一个平仓意图（平仓忽略订单数量，平掉两腿全部持仓）。
// 返回0笔或2笔成交。
func (s *Simulator) Execute(order models.Order, q1, q2 models.Quote, ts time.Time) []models.Trade {
	switch order.Intent {
	case models.IntentOpenLongSpread, models.IntentOpenShortSpread:
		return s.open(order, q1, q2, ts)
	case models.IntentClose:
		return s.close(order.Pair, q1, q2, ts)
	default:
		return nil
	}
}

func (s *Simulator) open(order models.Order, q1, q2 models.Quote, ts time.Time) []models.Trade {
	if order.Qty1 <= 0 || order.Qty2 <= 0 {
		return nil
	}
	pair := order.Pair
	if !s.ledger.Position(pair.Symbol1).IsFlat() || !s.ledger.Position(pair.Symbol2).IsFlat() {
		// 持仓被其他交易对占用，放弃整单以免出现半边价差
		s.logger.Sugar().Warnf("[%s] 腿上已有持仓，放弃开仓", pair)
		return nil
	}

	var side1, side2 models.Side
	var price1, price2 float64
	if order.Intent == models.IntentOpenLongSpread {
		// 空 symbol1，多 symbol2
		side1, price1 = models.Sell, s.SellPrice(q1)
		side2, price2 = models.Buy, s.BuyPrice(q2)
	} else {
		side1, price1 = models.Buy, s.BuyPrice(q1)
		side2, price2 = models.Sell, s.SellPrice(q2)
	}

	t1 := s.newTrade(ts, pair.Symbol1, side1, order.Qty1, price1, pair, models.SignalOpen)
	t2 := s.newTrade(ts, pair.Symbol2, side2, order.Qty2, price2, pair, models.SignalOpen)

	s.ledger.Open(pair.Symbol1, signed(side1, order.Qty1), price1, t1.Commission)
	s.ledger.Open(pair.Symbol2, signed(side2, order.Qty2), price2, t2.Commission)

	trades := []models.Trade{t1, t2}
	s.ledger.Record(trades...)
	return trades
}

func (s *Simulator) close(pair models.PairKey, q1, q2 models.Quote, ts time.Time) []models.Trade {
	var trades []models.Trade
	net := 0.0

	for _, leg := range []struct {
		symbol string
		quote  models.Quote
	}{{pair.Symbol1, q1}, {pair.Symbol2, q2}} {
		pos := s.ledger.Position(leg.symbol)
		if pos.IsFlat() {
			continue
		}

		// 多头卖出平仓，空头买入平仓
		side, price := models.Sell, s.SellPrice(leg.quote)
		if pos.Quantity < 0 {
			side, price = models.Buy, s.BuyPrice(leg.quote)
		}
		qty := pos.Quantity
		if qty < 0 {
			qty = -qty
		}

		t := s.newTrade(ts, leg.symbol, side, qty, price, pair, models.SignalClose)
		pnl := s.ledger.Close(leg.symbol, price, t.Commission)
		net += pnl - t.Commission
		trades = append(trades, t)
	}

	if len(trades) == 0 {
		return nil
	}
	s.ledger.Record(trades...)
	if net > 0 {
		s.ledger.RecordWin()
	}
	s.logger.Sugar().Debugf("[%s] 平仓净盈亏 %.4f", pair, net)
	return trades
}

func (s *Simulator) newTrade(ts time.Time, symbol string, side models.Side, qty, price float64, pair models.PairKey, st models.SignalType) models.Trade {
	value := qty * price
	return models.Trade{
		ID:         s.ids.Next(),
		Timestamp:  ts,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Value:      value,
		Pair:       pair,
		SignalType: st,
		Commission: value * s.commissionRate,
	}
}

func signed(side models.Side, qty float64) float64 {
	if side == models.Sell {
		return -qty
	}
	return qty
}
