// Package signal turns the log-price spread of each pair into a trading intent.
package signal

import (
	"math"

	"go.uber.org/zap"

	"pairs-arb-go/internal/models"
)

// ZValue 计算误差修正项 z = ln(mid1) - constant - gamma*ln(mid2)。
// 任一中间价非正或结果非有限值时返回 false。
func ZValue(mid1, mid2, constant, gamma float64) (float64, bool) {
	if !(mid1 > 0) || !(mid2 > 0) || math.IsInf(mid1, 0) || math.IsInf(mid2, 0) {
		return 0, false
	}
	z := math.Log(mid1) - constant - gamma*math.Log(mid2)
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0, false
	}
	return z, true
}

// Transition 是三态信号机的纯函数形式
//
//	FLAT         z >= +thr -> OPEN_LONG_SPREAD
//	FLAT         z <= -thr -> OPEN_SHORT_SPREAD
//	LONG_SPREAD  z <= 0    -> CLOSE
//	SHORT_SPREAD z >= 0    -> CLOSE
func Transition(pos models.SpreadPosition, z, threshold float64) models.Intent {
	if math.IsNaN(z) {
		return models.IntentNone
	}
	switch pos {
	case models.Flat:
		if threshold <= 0 {
			return models.IntentNone
		}
		if z >= threshold {
			return models.IntentOpenLongSpread
		}
		if z <= -threshold {
			return models.IntentOpenShortSpread
		}
	case models.LongSpread:
		if z <= 0 {
			return models.IntentClose
		}
	case models.ShortSpread:
		if z >= 0 {
			return models.IntentClose
		}
	}
	return models.IntentNone
}

// Evaluation 是单个交易对在一个tick上的评估结果
type Evaluation struct {
	Pair   models.PairKey
	Z      float64
	Intent models.Intent
	Quote1 models.Quote
	Quote2 models.Quote
}

// Engine 对所有交易对逐个评估信号
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a new signal engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// Evaluate 根据交易对当前状态和 z 值给出交易意图，不修改状态
func (e *Engine) Evaluate(state *models.PairState, z float64) models.Intent {
	if state == nil {
		return models.IntentNone
	}
	return Transition(state.CurrentPosition, z, state.Threshold)
}

// EvaluatePair 从快照中取出两腿报价并评估。
// 报价缺失或中间价无效时跳过该交易对 (ok=false)。
// 评估成功时记录最新 z 值到 state。
func (e *Engine) EvaluatePair(cfg *models.PairConfig, state *models.PairState, snap models.MarketSnapshot) (Evaluation, bool) {
	ev := Evaluation{Pair: cfg.Pair(), Intent: models.IntentNone}

	q1, ok1 := snap.Quote(cfg.Symbol1)
	q2, ok2 := snap.Quote(cfg.Symbol2)
	if !ok1 || !ok2 {
		e.logger.Sugar().Warnf("[%s] 缺少报价 (%s:%v %s:%v)，跳过本tick", ev.Pair, cfg.Symbol1, ok1, cfg.Symbol2, ok2)
		return ev, false
	}

	z, ok := ZValue(q1.Mid, q2.Mid, cfg.Constant, state.Gamma)
	if !ok {
		e.logger.Sugar().Warnf("[%s] 中间价无效 mid1=%.8f mid2=%.8f，跳过本tick", ev.Pair, q1.Mid, q2.Mid)
		return ev, false
	}

	state.ZValue = z
	ev.Z = z
	ev.Quote1 = q1
	ev.Quote2 = q2
	ev.Intent = e.Evaluate(state, z)
	return ev, true
}
