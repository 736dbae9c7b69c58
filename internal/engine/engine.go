// Package engine drives one unit of work per market snapshot:
// signal -> size -> execute -> mark. It is not safe for concurrent use;
// streaming mode wraps it in statemanager so a single goroutine owns it.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pairs-arb-go/internal/execution"
	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/models"
	"pairs-arb-go/internal/recalibration"
	"pairs-arb-go/internal/signal"
	"pairs-arb-go/internal/sizing"
)

// Options 引擎资金与成本参数
type Options struct {
	InitialCapital float64
	MaxPositionPct float64
	CommissionRate float64
	SlippageRate   float64
}

// OptionsFromConfig 从配置构建引擎参数
func OptionsFromConfig(cfg models.EngineConfig) Options {
	return Options{
		InitialCapital: cfg.InitialCapital,
		MaxPositionPct: cfg.MaxPositionPct,
		CommissionRate: cfg.CommissionRate,
		SlippageRate:   cfg.SlippageRate,
	}
}

// TickResult 一个tick的处理结果。Traded 为 true 时调用方应持久化。
type TickResult struct {
	Timestamp time.Time
	Trades    []models.Trade
	Sample    models.EquitySample
	Traded    bool
	Skipped   []string // 本tick被跳过的交易对
	Gap       bool
}

type pairEntry struct {
	cfg   *models.PairConfig
	state *models.PairState
}

// Engine 交易对注册表与单tick处理流水线
type Engine struct {
	opts      Options
	runID     string
	startTime *time.Time

	pairs map[string]*pairEntry
	keys  []string // 固定处理顺序

	ledger  *ledger.Ledger
	signals *signal.Engine
	sizer   *sizing.Sizer
	exec    *execution.Simulator
	recal   *recalibration.Controller

	last   *models.MarketSnapshot
	logger *zap.Logger
}

// New creates an engine with a fresh ledger and run id.
func New(opts Options, logger *zap.Logger) *Engine {
	e := &Engine{
		opts:    opts,
		runID:   uuid.NewString(),
		pairs:   make(map[string]*pairEntry),
		ledger:  ledger.New(opts.InitialCapital, logger.Named("ledger")),
		signals: signal.NewEngine(logger.Named("signal")),
		sizer:   sizing.NewSizer(opts.MaxPositionPct*opts.InitialCapital, opts.SlippageRate),
		logger:  logger,
	}
	e.resetSimulator()
	return e
}

func (e *Engine) resetSimulator() {
	ids := execution.NewIDGenerator(e.runID, uint64(e.ledger.TotalTrades()))
	e.exec = execution.NewSimulator(e.ledger, e.opts.CommissionRate, e.opts.SlippageRate, ids, e.logger.Named("execution"))
}

// SetRecalibrator 设置重新校准控制器
func (e *Engine) SetRecalibrator(c *recalibration.Controller) {
	e.recal = c
}

// RunID 本次运行的标识
func (e *Engine) RunID() string { return e.runID }

// Ledger 返回账本（只读使用）
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// StartTime 首次初始化交易对的时间
func (e *Engine) StartTime() *time.Time { return e.startTime }

// InitializePairs 注册交易对。已从状态恢复的交易对保留其状态与参数。
func (e *Engine) InitializePairs(pairs []models.PairConfig, now time.Time) error {
	if len(pairs) == 0 && len(e.pairs) == 0 {
		return models.ErrNoTradablePairs
	}
	for _, p := range pairs {
		key := p.Pair().Key()
		if _, exists := e.pairs[key]; exists {
			e.logger.Sugar().Infof("[%s] 已从状态恢复，保留现有参数", key)
			continue
		}
		cfg := p
		e.pairs[key] = &pairEntry{
			cfg: &cfg,
			state: &models.PairState{
				Pair:            p.Pair(),
				Gamma:           p.Gamma,
				Threshold:       p.Threshold,
				CurrentPosition: models.Flat,
			},
		}
		// 惰性创建两腿持仓
		e.ledger.Position(p.Symbol1)
		e.ledger.Position(p.Symbol2)
	}
	e.sortKeys()

	if e.startTime == nil {
		t := now
		e.startTime = &t
	}
	e.logger.Sugar().Infof("初始化了 %d 个交易对", len(e.pairs))
	return nil
}

func (e *Engine) sortKeys() {
	e.keys = e.keys[:0]
	for k := range e.pairs {
		e.keys = append(e.keys, k)
	}
	sort.Strings(e.keys)
}

// Pairs 返回当前交易对参数副本
func (e *Engine) Pairs() []models.PairConfig {
	out := make([]models.PairConfig, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, *e.pairs[k].cfg)
	}
	return out
}

// PairState 返回交易对状态副本
func (e *Engine) PairState(key string) (models.PairState, bool) {
	p, ok := e.pairs[key]
	if !ok {
		return models.PairState{}, false
	}
	return *p.state, true
}

// Symbols 返回所有交易对涉及的币种
func (e *Engine) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range e.keys {
		c := e.pairs[k].cfg
		for _, s := range []string{c.Symbol1, c.Symbol2} {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ProcessTick 处理一个行情快照。单个交易对的错误只跳过该交易对，不会中断tick。
func (e *Engine) ProcessTick(snap models.MarketSnapshot) TickResult {
	if len(snap.Quotes) == 0 {
		if e.last == nil {
			e.logger.Sugar().Warn("空行情快照且无历史快照，跳过本tick")
			return TickResult{Timestamp: snap.Timestamp}
		}
		e.logger.Sugar().Warnf("%v: %s 的快照为空，使用上一个快照", models.ErrDataGap, snap.Timestamp.Format(time.RFC3339))
		ts := snap.Timestamp
		snap = *e.last
		snap.Gap = true
		if !ts.IsZero() {
			snap.Timestamp = ts
		}
	} else if snap.Gap {
		e.logger.Sugar().Debugf("%v: %v 沿用上一行", models.ErrDataGap, snap.Missing)
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	last := snap
	e.last = &last

	res := TickResult{Timestamp: snap.Timestamp, Gap: snap.Gap}

	for _, key := range e.keys {
		p := e.pairs[key]
		ev, ok := e.signals.EvaluatePair(p.cfg, p.state, snap)
		if !ok {
			res.Skipped = append(res.Skipped, key)
			continue
		}
		if ev.Intent == models.IntentNone {
			continue
		}

		trades, err := e.apply(p, ev, snap.Timestamp)
		if err != nil {
			if !errors.Is(err, models.ErrSizingZero) {
				e.logger.Sugar().Warnf("[%s] %s 未执行: %v", key, ev.Intent, err)
			}
			continue
		}
		if len(trades) > 0 {
			e.logger.Sugar().Infof("[%s] %s %s | Z=%.4f | 执行 %d 笔交易",
				snap.Timestamp.Format(time.RFC3339), key, ev.Intent, ev.Z, len(trades))
			res.Trades = append(res.Trades, trades...)
		}
	}

	res.Sample = e.ledger.Mark(snap.Mids(), snap.Timestamp)
	res.Traded = len(res.Trades) > 0
	return res
}

func (e *Engine) apply(p *pairEntry, ev signal.Evaluation, ts time.Time) ([]models.Trade, error) {
	if !ev.Quote1.Tradable() || !ev.Quote2.Tradable() {
		return nil, fmt.Errorf("报价不可成交 (bid/ask 非正)")
	}

	switch ev.Intent {
	case models.IntentOpenLongSpread, models.IntentOpenShortSpread:
		order, err := e.sizer.SizeOrder(ev.Pair, p.state.Gamma, ev.Intent, ev.Quote1, ev.Quote2)
		if err != nil {
			return nil, err
		}
		trades := e.exec.Execute(order, ev.Quote1, ev.Quote2, ts)
		if len(trades) == 0 {
			return nil, nil
		}
		if ev.Intent == models.IntentOpenLongSpread {
			p.state.CurrentPosition = models.LongSpread
		} else {
			p.state.CurrentPosition = models.ShortSpread
		}
		t := ts
		p.state.LastSignalTime = &t
		return trades, nil

	case models.IntentClose:
		trades := e.exec.Execute(models.Order{Pair: ev.Pair, Intent: models.IntentClose}, ev.Quote1, ev.Quote2, ts)
		p.state.CurrentPosition = models.Flat
		if len(trades) > 0 {
			t := ts
			p.state.LastSignalTime = &t
		}
		return trades, nil
	}
	return nil, nil
}

// Status 运行状态摘要
func (e *Engine) Status(now time.Time) ledger.Status {
	states := make([]*models.PairState, 0, len(e.keys))
	for _, k := range e.keys {
		s := *e.pairs[k].state
		states = append(states, &s)
	}
	return e.ledger.Status(states, e.startTime, now)
}

// Recalibrate 用对齐的收盘价窗口重新估计所有交易对
func (e *Engine) Recalibrate(series map[string][]float64) (recalibration.Report, error) {
	if e.recal == nil {
		return recalibration.Report{}, errors.New("recalibrator not configured")
	}
	targets := make([]recalibration.Target, 0, len(e.keys))
	for _, k := range e.keys {
		targets = append(targets, recalibration.Target{Config: e.pairs[k].cfg, State: e.pairs[k].state})
	}
	rep := e.recal.Run(targets, series)
	e.logger.Sugar().Infof("重新校准完成: 更新 %d, 跳过 %d, 失败 %d", rep.Applied, rep.Skipped, rep.Failed)
	return rep, nil
}

// ExportState 导出完整（未截断）的持久化状态
func (e *Engine) ExportState(now time.Time) *models.EngineState {
	st := &models.EngineState{
		Version:             models.StateVersion,
		SavedAt:             now,
		RunID:               e.runID,
		MaxPositionPct:      e.opts.MaxPositionPct,
		CommissionRate:      e.opts.CommissionRate,
		SlippageRate:        e.opts.SlippageRate,
		PairStates:          make(map[string]*models.PairState, len(e.pairs)),
		CointegrationParams: make(map[string]models.CointegrationParams, len(e.pairs)),
	}
	if e.startTime != nil {
		t := *e.startTime
		st.StartTime = &t
	}
	e.ledger.Export(st)
	for k, p := range e.pairs {
		s := *p.state
		if p.state.LastSignalTime != nil {
			t := *p.state.LastSignalTime
			s.LastSignalTime = &t
		}
		st.PairStates[k] = &s
		st.CointegrationParams[k] = p.cfg.Params()
	}
	return st
}

// Restore 从持久化状态恢复账本与交易对注册表
func (e *Engine) Restore(st *models.EngineState) error {
	if st == nil {
		return fmt.Errorf("%w: nil state", models.ErrPersistenceLoad)
	}
	if st.InitialCapital > 0 && st.InitialCapital != e.opts.InitialCapital {
		e.logger.Sugar().Warnf("状态文件初始资金 %.2f 与配置 %.2f 不一致，以状态文件为准", st.InitialCapital, e.opts.InitialCapital)
		e.opts.InitialCapital = st.InitialCapital
		e.sizer = sizing.NewSizer(e.opts.MaxPositionPct*e.opts.InitialCapital, e.opts.SlippageRate)
	}

	e.ledger.Restore(st)
	if st.RunID != "" {
		e.runID = st.RunID
	}
	if st.StartTime != nil {
		t := *st.StartTime
		e.startTime = &t
	}

	e.pairs = make(map[string]*pairEntry, len(st.PairStates))
	for key, ps := range st.PairStates {
		params, ok := st.CointegrationParams[key]
		if !ok {
			return fmt.Errorf("%w: cointegration_params[%s] missing", models.ErrPersistenceLoad, key)
		}
		state := *ps
		e.pairs[key] = &pairEntry{
			cfg: &models.PairConfig{
				Symbol1:   ps.Pair.Symbol1,
				Symbol2:   ps.Pair.Symbol2,
				Constant:  params.Constant,
				Gamma:     ps.Gamma,
				Std:       params.Std,
				Threshold: ps.Threshold,
			},
			state: &state,
		}
	}
	e.sortKeys()
	e.resetSimulator()

	e.logger.Sugar().Infof("状态已恢复 | 资金: %.2f | 交易次数: %d | 交易对: %d", e.ledger.Capital(), e.ledger.TotalTrades(), len(e.pairs))
	return nil
}
