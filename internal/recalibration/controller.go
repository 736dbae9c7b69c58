// Package recalibration 定期用新估计的协整参数刷新交易对的对冲比例与阈值。
package recalibration

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"pairs-arb-go/internal/cointegration"
	"pairs-arb-go/internal/models"
)

// Outcome 单个交易对的校准结果
type Outcome int

const (
	Skipped Outcome = iota
	Applied
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "APPLIED"
	case Skipped:
		return "SKIPPED"
	default:
		return "FAILED"
	}
}

// ThresholdMultiplier 校准后阈值 = 1.5 * std，不使用初始选择时的 sigma_mult
const ThresholdMultiplier = 1.5

// DefaultMinChange gamma 相对变化需超过 10% 才更新
const DefaultMinChange = 0.10

// DefaultPValueThreshold 重新估计的 p 值超过该值视为不再协整
const DefaultPValueThreshold = 0.05

// Target 指向引擎注册表中的一个交易对
type Target struct {
	Config *models.PairConfig
	State  *models.PairState
}

// Report 一轮校准的汇总
type Report struct {
	Applied int
	Skipped int
	Failed  int
	Results map[string]Outcome
}

// Controller 重新校准控制器
type Controller struct {
	analyzer        cointegration.Analyzer
	minChange       float64
	pValueThreshold float64
	logger          *zap.Logger
}

// NewController creates a controller. A negative minChange falls back to
// DefaultMinChange, a non-positive pValueThreshold to DefaultPValueThreshold.
func NewController(analyzer cointegration.Analyzer, minChange, pValueThreshold float64, logger *zap.Logger) *Controller {
	if minChange < 0 {
		minChange = DefaultMinChange
	}
	if pValueThreshold <= 0 {
		pValueThreshold = DefaultPValueThreshold
	}
	return &Controller{analyzer: analyzer, minChange: minChange, pValueThreshold: pValueThreshold, logger: logger}
}

// Material 判断 gamma 的相对变化是否超过阈值
func (c *Controller) Material(oldGamma, newGamma float64) bool {
	if oldGamma == 0 {
		return newGamma != 0
	}
	return math.Abs(newGamma-oldGamma)/math.Abs(oldGamma) > c.minChange
}

// Recalibrate 应用或丢弃一组新参数。接受时原地修改 cfg 与 state，
// 不会平掉或调整当前持仓。
func (c *Controller) Recalibrate(cfg *models.PairConfig, state *models.PairState, p models.CointegrationParams) Outcome {
	pair := cfg.Pair()
	if !finite(p.Gamma) || !finite(p.Constant) || !(p.Std > 0) || math.IsInf(p.Std, 0) {
		c.logger.Sugar().Warnf("[%s] 新参数无效 (gamma=%v std=%v)，保留原参数", pair, p.Gamma, p.Std)
		return Failed
	}

	oldGamma := state.Gamma
	if !c.Material(oldGamma, p.Gamma) {
		c.logger.Sugar().Debugf("[%s] gamma 变化不足 %.0f%% (%.4f -> %.4f)，跳过", pair, c.minChange*100, oldGamma, p.Gamma)
		return Skipped
	}

	threshold := ThresholdMultiplier * p.Std
	cfg.Constant = p.Constant
	cfg.Gamma = p.Gamma
	cfg.Std = p.Std
	cfg.Threshold = threshold
	state.Gamma = p.Gamma
	state.Threshold = threshold

	if state.CurrentPosition != models.Flat {
		c.logger.Sugar().Warnf("[%s] 持仓 %s 期间更新参数，现有仓位仍按旧对冲比例持有", pair, state.CurrentPosition)
	}
	c.logger.Sugar().Infof("[%s] 参数已更新: gamma %.4f -> %.4f, threshold %.6f", pair, oldGamma, p.Gamma, threshold)
	return Applied
}

// Run 对每个交易对重新估计并校准。估计失败的交易对保持原参数。
// series 为按时间对齐的收盘价窗口。
func (c *Controller) Run(targets []Target, series map[string][]float64) Report {
	rep := Report{Results: make(map[string]Outcome, len(targets))}
	for _, t := range targets {
		key := t.Config.Pair().Key()
		params, err := c.estimate(t.Config, series)
		var out Outcome
		if err != nil {
			c.logger.Sugar().Warnf("[%s] %v，保留原参数", key, err)
			out = Failed
		} else {
			out = c.Recalibrate(t.Config, t.State, params)
		}

		rep.Results[key] = out
		switch out {
		case Applied:
			rep.Applied++
		case Skipped:
			rep.Skipped++
		default:
			rep.Failed++
		}
	}
	return rep
}

func (c *Controller) estimate(cfg *models.PairConfig, series map[string][]float64) (models.CointegrationParams, error) {
	p1, ok1 := series[cfg.Symbol1]
	p2, ok2 := series[cfg.Symbol2]
	if !ok1 || !ok2 {
		return models.CointegrationParams{}, fmt.Errorf("%w: 缺少历史数据", models.ErrRecalibration)
	}
	res, err := c.analyzer.Analyze(p1, p2)
	if err != nil {
		return models.CointegrationParams{}, fmt.Errorf("%w: %v", models.ErrRecalibration, err)
	}
	// 不再协整的交易对不更新
	if math.IsNaN(res.PValue) || res.PValue > c.pValueThreshold {
		return models.CointegrationParams{}, fmt.Errorf("%w: p 值 %.4f 超过 %.4f", models.ErrRecalibration, res.PValue, c.pValueThreshold)
	}
	return res.Params(), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
