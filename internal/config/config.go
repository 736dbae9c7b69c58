// Package config 负责加载和验证 YAML 配置文件。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pairs-arb-go/internal/models"
)

// DefaultStablecoins 默认过滤的稳定币
var DefaultStablecoins = []string{"USDT", "USDC", "BUSD", "TUSD", "FDUSD", "DAI", "USDP", "USDD"}

// LoadConfig 从指定路径加载YAML配置文件，设置默认值并验证
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析YAML内容
func Parse(data []byte) (*models.Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	SetDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// Defaults 返回解码前预填的配置。这里只放 0 是合法取值的字段，
// YAML 中显式写 0 会覆盖默认值，未写时保留默认值。
func Defaults() models.Config {
	var c models.Config
	c.Engine.CommissionRate = 0.001
	c.Engine.SlippageRate = 0.0005
	c.Data.Spread = 0.0005
	c.Recalibration.MinChange = 0.10
	return c
}

// SetDefaults 为 0 值无意义的字段设置默认值
func SetDefaults(c *models.Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Output == "" {
		c.Log.Output = "console"
	}
	if c.Log.File == "" {
		c.Log.File = "logs/statarb.log"
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = 30
	}

	if c.Engine.InitialCapital == 0 {
		c.Engine.InitialCapital = 100000
	}
	if c.Engine.MaxPositionPct == 0 {
		c.Engine.MaxPositionPct = 0.1
	}

	if c.Strategy.ThresholdMode == "" {
		c.Strategy.ThresholdMode = "auto"
	}
	if c.Strategy.SigmaMult == 0 {
		c.Strategy.SigmaMult = 1.5
	}
	if c.Strategy.MaxPairs == 0 {
		c.Strategy.MaxPairs = 5
	}
	if c.Strategy.PValueThreshold == 0 {
		c.Strategy.PValueThreshold = 0.05
	}
	if c.Strategy.MaxHalfLife == 0 {
		c.Strategy.MaxHalfLife = 500
	}
	if len(c.Strategy.Stablecoins) == 0 {
		c.Strategy.Stablecoins = append([]string(nil), DefaultStablecoins...)
	}

	if c.Data.Source == "" {
		c.Data.Source = "csv"
	}
	if c.Data.Dir == "" {
		c.Data.Dir = "data"
	}
	if c.Data.Interval == "" {
		c.Data.Interval = "1h"
	}
	if c.Data.LookbackDays == 0 {
		c.Data.LookbackDays = 30
	}
	if c.Data.UpdateInterval == 0 {
		c.Data.UpdateInterval = time.Minute
	}
	if c.Data.WSURL == "" {
		c.Data.WSURL = "wss://stream.binance.com:9443"
	}

	if c.Recalibration.Interval == 0 {
		c.Recalibration.Interval = 24 * time.Hour
	}
	if c.Recalibration.LookbackDays == 0 {
		c.Recalibration.LookbackDays = c.Data.LookbackDays
	}

	if c.Persistence.Backend == "" {
		c.Persistence.Backend = "file"
	}
	if c.Persistence.StateFile == "" {
		c.Persistence.StateFile = "data/dryrun_state.json"
	}
	if c.Persistence.BadgerDir == "" {
		c.Persistence.BadgerDir = "data/badger"
	}
	if c.Persistence.SQLitePath == "" {
		c.Persistence.SQLitePath = "data/statarb.db"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9108"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.StatusInterval == 0 {
		c.StatusInterval = time.Hour
	}
	if c.OutputDir == "" {
		c.OutputDir = "results"
	}
}

// Validate 验证配置有效性，收集所有错误后一次返回
func Validate(c *models.Config) error {
	var errs []string

	if c.Engine.InitialCapital <= 0 {
		errs = append(errs, "engine.initial_capital: 初始资金必须为正数")
	}
	if c.Engine.MaxPositionPct <= 0 || c.Engine.MaxPositionPct > 1 {
		errs = append(errs, "engine.max_position_pct: 必须在 (0, 1] 之间")
	}
	if c.Engine.CommissionRate < 0 || c.Engine.CommissionRate >= 1 {
		errs = append(errs, "engine.commission_rate: 必须在 [0, 1) 之间")
	}
	if c.Engine.SlippageRate < 0 || c.Engine.SlippageRate >= 1 {
		errs = append(errs, "engine.slippage_rate: 必须在 [0, 1) 之间")
	}

	switch c.Strategy.ThresholdMode {
	case "fixed", "auto":
	default:
		errs = append(errs, fmt.Sprintf("strategy.threshold_mode: 无效的阈值模式 '%s'，有效值: fixed, auto", c.Strategy.ThresholdMode))
	}
	if c.Strategy.SigmaMult <= 0 {
		errs = append(errs, "strategy.sigma_mult: 必须为正数")
	}
	if c.Strategy.MaxPairs < 0 {
		errs = append(errs, "strategy.max_pairs: 不能为负数")
	}
	if c.Strategy.PValueThreshold <= 0 || c.Strategy.PValueThreshold > 1 {
		errs = append(errs, "strategy.pvalue_threshold: 必须在 (0, 1] 之间")
	}
	if c.Strategy.MinHalfLife < 0 || c.Strategy.MaxHalfLife < c.Strategy.MinHalfLife {
		errs = append(errs, "strategy.min_half_life/max_half_life: 半衰期区间无效")
	}

	if len(c.Pairs) == 0 && len(c.Symbols) < 2 {
		errs = append(errs, "symbols: 未配置 pairs 时至少需要两个候选币种")
	}
	for i, p := range c.Pairs {
		if p.Symbol1 == "" || p.Symbol2 == "" || p.Symbol1 == p.Symbol2 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: symbol1/symbol2 必须非空且不同", i))
		}
		if strings.Contains(p.Symbol1, "_") || strings.Contains(p.Symbol2, "_") {
			errs = append(errs, fmt.Sprintf("pairs[%d]: 币种名称不能包含 '_'", i))
		}
		if p.Std <= 0 && p.Threshold <= 0 {
			errs = append(errs, fmt.Sprintf("pairs[%d]: 需要 std 或 threshold", i))
		}
	}

	switch c.Data.Source {
	case "csv", "rest", "websocket":
	default:
		errs = append(errs, fmt.Sprintf("data.source: 无效的数据源 '%s'，有效值: csv, rest, websocket", c.Data.Source))
	}
	if c.Data.Spread < 0 || c.Data.Spread >= 1 {
		errs = append(errs, "data.spread: 必须在 [0, 1) 之间")
	}

	if c.Data.LookbackDays <= 0 {
		errs = append(errs, "data.lookback_days: 必须为正数")
	}
	if c.Data.UpdateInterval <= 0 {
		errs = append(errs, "data.update_interval: 必须为正数")
	}
	if c.Recalibration.Interval <= 0 {
		errs = append(errs, "recalibration.interval: 必须为正数")
	}
	if c.Recalibration.LookbackDays <= 0 {
		errs = append(errs, "recalibration.lookback_days: 必须为正数")
	}
	if c.Recalibration.MinChange < 0 {
		errs = append(errs, "recalibration.min_change: 不能为负数")
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, "status_interval: 必须为正数")
	}

	switch c.Persistence.Backend {
	case "file", "badger", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("persistence.backend: 无效的存储后端 '%s'，有效值: file, badger, sqlite", c.Persistence.Backend))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path: 必须以 '/' 开头")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
