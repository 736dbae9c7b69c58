package models

import "time"

// Config 结构体定义了程序的所有配置参数
type Config struct {
	Log            LogConfig           `yaml:"log"`
	Engine         EngineConfig        `yaml:"engine"`
	Strategy       StrategyConfig      `yaml:"strategy"`
	Symbols        []string            `yaml:"symbols"` // 候选币种，用于自动选择交易对
	Pairs          []PairConfig        `yaml:"pairs"`   // 显式配置的交易对，非空时跳过自动选择
	Data           DataConfig          `yaml:"data"`
	Recalibration  RecalibrationConfig `yaml:"recalibration"`
	Persistence    PersistenceConfig   `yaml:"persistence"`
	Metrics        MetricsConfig       `yaml:"metrics"`
	StatusInterval time.Duration       `yaml:"status_interval"` // 状态报告间隔
	OutputDir      string              `yaml:"output_dir"`      // 结果导出目录
}

// EngineConfig 模拟撮合与资金相关参数
type EngineConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
	MaxPositionPct float64 `yaml:"max_position_pct"` // 单个交易对最大资金占比
	CommissionRate float64 `yaml:"commission_rate"`
	SlippageRate   float64 `yaml:"slippage_rate"`
}

// CapitalCap 返回单个交易对可用的资金上限
func (c EngineConfig) CapitalCap() float64 {
	return c.MaxPositionPct * c.InitialCapital
}

// StrategyConfig 交易对选择与阈值参数
type StrategyConfig struct {
	ThresholdMode   string   `yaml:"threshold_mode"` // fixed: sigma_mult*std, auto: 1.5*std
	SigmaMult       float64  `yaml:"sigma_mult"`
	MaxPairs        int      `yaml:"max_pairs"`
	AllowOverlap    bool     `yaml:"allow_overlap"` // 允许同一币种出现在多个交易对中
	PValueThreshold float64  `yaml:"pvalue_threshold"`
	MinHalfLife     float64  `yaml:"min_half_life"` // 以K线根数计
	MaxHalfLife     float64  `yaml:"max_half_life"`
	Stablecoins     []string `yaml:"stablecoins"`
}

// DataConfig 行情数据来源
type DataConfig struct {
	Source         string        `yaml:"source"` // csv, rest, websocket
	Dir            string        `yaml:"dir"`
	Interval       string        `yaml:"interval"`
	LookbackDays   int           `yaml:"lookback_days"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	Spread         float64       `yaml:"spread"` // 模拟买卖价差
	BaseURL        string        `yaml:"base_url"`
	WSURL          string        `yaml:"ws_url"`
	Start          string        `yaml:"start"` // 回测/下载起始日期 YYYY-MM-DD
	End            string        `yaml:"end"`
}

// RecalibrationConfig 参数重新校准
type RecalibrationConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	LookbackDays int           `yaml:"lookback_days"`
	MinChange    float64       `yaml:"min_change"` // gamma 相对变化超过该值才更新
}

// PersistenceConfig 状态持久化
type PersistenceConfig struct {
	Backend    string `yaml:"backend"` // file, badger 或 sqlite
	StateFile  string `yaml:"state_file"`
	BadgerDir  string `yaml:"badger_dir"`
	SQLitePath string `yaml:"sqlite_path"` // sqlite 额外保存完整成交日志
}

// MetricsConfig Prometheus 指标服务，仅模拟实盘模式使用
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}
