// Package selection 从候选币种中筛选协整交易对，并计算初始阈值。
package selection

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"pairs-arb-go/internal/cointegration"
	"pairs-arb-go/internal/models"
)

// quoteSuffixes 用于提取基础货币，例如 FDUSDUSDT -> FDUSD
var quoteSuffixes = []string{"USDT", "USDC", "BUSD"}

// BaseAsset 去掉计价货币后缀
func BaseAsset(symbol string) string {
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)]
		}
	}
	return symbol
}

// IsStablecoinPair 任一方的基础货币是稳定币即视为稳定币配对
func IsStablecoinPair(symbol1, symbol2 string, stablecoins []string) bool {
	set := make(map[string]struct{}, len(stablecoins))
	for _, s := range stablecoins {
		set[strings.ToUpper(s)] = struct{}{}
	}
	_, s1 := set[BaseAsset(strings.ToUpper(symbol1))]
	_, s2 := set[BaseAsset(strings.ToUpper(symbol2))]
	return s1 || s2
}

// InitialThreshold fixed 模式为 sigma_mult*std，否则为 1.5*std
func InitialThreshold(mode string, sigmaMult, std float64) float64 {
	if mode == "fixed" {
		return sigmaMult * std
	}
	return 1.5 * std
}

// Candidate 是一个通过协整检验的候选交易对
type Candidate struct {
	Config models.PairConfig
	Result cointegration.Result
}

// Selector 交易对选择器
type Selector struct {
	analyzer cointegration.Analyzer
	cfg      models.StrategyConfig
	logger   *zap.Logger
}

// NewSelector creates a selector.
func NewSelector(analyzer cointegration.Analyzer, cfg models.StrategyConfig, logger *zap.Logger) *Selector {
	return &Selector{analyzer: analyzer, cfg: cfg, logger: logger}
}

// Select 对所有候选组合做协整检验，过滤稳定币与半衰期，按 p 值排序后无重叠地选择。
// series 为按时间对齐的收盘价。没有任何可交易对时返回 ErrNoTradablePairs。
func (s *Selector) Select(series map[string][]float64) ([]models.PairConfig, error) {
	symbols := make([]string, 0, len(series))
	for sym := range series {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var cointegrated []Candidate
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			s1, s2 := symbols[i], symbols[j]
			if IsStablecoinPair(s1, s2, s.cfg.Stablecoins) {
				continue
			}
			res, err := s.analyzer.Analyze(series[s1], series[s2])
			if err != nil {
				s.logger.Sugar().Debugf("[%s-%s] 协整检验失败: %v", s1, s2, err)
				continue
			}
			if res.PValue > s.cfg.PValueThreshold {
				continue
			}
			std := res.Std()
			if !(std > 0) {
				continue
			}
			cointegrated = append(cointegrated, Candidate{
				Config: models.PairConfig{
					Symbol1:   s1,
					Symbol2:   s2,
					Constant:  res.Constant,
					Gamma:     res.Gamma,
					Std:       std,
					Threshold: InitialThreshold(s.cfg.ThresholdMode, s.cfg.SigmaMult, std),
					HalfLife:  res.HalfLife,
					PValue:    res.PValue,
				},
				Result: res,
			})
		}
	}

	if len(cointegrated) == 0 {
		return nil, fmt.Errorf("%w: 未找到协整交易对", models.ErrNoTradablePairs)
	}

	valid := make([]Candidate, 0, len(cointegrated))
	for _, c := range cointegrated {
		hl := c.Config.HalfLife
		if !math.IsInf(hl, 0) && hl >= s.cfg.MinHalfLife && hl <= s.cfg.MaxHalfLife {
			valid = append(valid, c)
		}
	}
	if len(valid) == 0 {
		s.logger.Sugar().Warn("没有满足半衰期要求的交易对，使用所有协整交易对")
		valid = cointegrated
	}

	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Config.PValue < valid[j].Config.PValue })

	selected := Pick(valid, s.cfg.MaxPairs, !s.cfg.AllowOverlap)
	if len(selected) == 0 {
		return nil, models.ErrNoTradablePairs
	}
	for _, p := range selected {
		s.logger.Sugar().Infof("选中交易对 %s-%s | p=%.4f gamma=%.4f std=%.6f threshold=%.6f half-life=%.1f",
			p.Symbol1, p.Symbol2, p.PValue, p.Gamma, p.Std, p.Threshold, p.HalfLife)
	}
	return selected, nil
}

// Pick 按顺序选择最多 maxPairs 个交易对，noOverlap 时同一币种只使用一次
func Pick(candidates []Candidate, maxPairs int, noOverlap bool) []models.PairConfig {
	used := make(map[string]bool)
	var out []models.PairConfig
	for _, c := range candidates {
		if maxPairs > 0 && len(out) >= maxPairs {
			break
		}
		s1, s2 := c.Config.Symbol1, c.Config.Symbol2
		if noOverlap {
			if used[s1] || used[s2] {
				continue
			}
			used[s1], used[s2] = true, true
		}
		out = append(out, c.Config)
	}
	return out
}

// FromConfig 使用显式配置的交易对，缺少阈值时按 std 计算
func FromConfig(pairs []models.PairConfig, cfg models.StrategyConfig) ([]models.PairConfig, error) {
	out := make([]models.PairConfig, 0, len(pairs))
	for _, p := range pairs {
		if p.Threshold <= 0 {
			p.Threshold = InitialThreshold(cfg.ThresholdMode, cfg.SigmaMult, p.Std)
		}
		if p.Threshold <= 0 {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, models.ErrNoTradablePairs
	}
	return out, nil
}
