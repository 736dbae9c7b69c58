package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `yaml:"output" json:"output"`           // 输出模式: "console", "file", "both"
	File       string `yaml:"file" json:"file"`               // 日志文件路径
	MaxSize    int    `yaml:"max_size" json:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `yaml:"max_age" json:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `yaml:"compress" json:"compress"`       // 是否压缩旧日志文件
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// SignalType 标记一笔成交属于开仓还是平仓
type SignalType string

const (
	SignalOpen  SignalType = "OPEN"
	SignalClose SignalType = "CLOSE"
)

// SpreadPosition 是一个交易对信号状态机的当前状态。
// 持久化时保存为整数: 0 空仓, 1 做多价差, -1 做空价差。
type SpreadPosition int

const (
	Flat        SpreadPosition = 0
	LongSpread  SpreadPosition = 1  // 空 symbol1，多 symbol2
	ShortSpread SpreadPosition = -1 // 多 symbol1，空 symbol2
)

func (p SpreadPosition) String() string {
	switch p {
	case Flat:
		return "FLAT"
	case LongSpread:
		return "LONG_SPREAD"
	case ShortSpread:
		return "SHORT_SPREAD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(p))
	}
}

// Valid reports whether p is one of the three machine states.
func (p SpreadPosition) Valid() bool {
	return p == Flat || p == LongSpread || p == ShortSpread
}

// Intent 是信号引擎针对单个交易对在一个tick上给出的交易意图
type Intent int

const (
	IntentNone Intent = iota
	IntentOpenLongSpread
	IntentOpenShortSpread
	IntentClose
)

func (i Intent) String() string {
	switch i {
	case IntentNone:
		return "NONE"
	case IntentOpenLongSpread:
		return "OPEN_LONG_SPREAD"
	case IntentOpenShortSpread:
		return "OPEN_SHORT_SPREAD"
	case IntentClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("INTENT(%d)", int(i))
	}
}

// IsOpen 判断意图是否为开仓
func (i Intent) IsOpen() bool {
	return i == IntentOpenLongSpread || i == IntentOpenShortSpread
}

// PairKey identifies a traded pair. It serializes as a two element array
// and keys maps as "SYMBOL1_SYMBOL2".
type PairKey struct {
	Symbol1 string
	Symbol2 string
}

// Key 返回确定性的交易对键
func (k PairKey) Key() string {
	return k.Symbol1 + "_" + k.Symbol2
}

func (k PairKey) String() string {
	return k.Symbol1 + "-" + k.Symbol2
}

// ParsePairKey 将 "S1_S2" 解析回 PairKey
func ParsePairKey(s string) (PairKey, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return PairKey{}, fmt.Errorf("invalid pair key %q", s)
	}
	return PairKey{Symbol1: parts[0], Symbol2: parts[1]}, nil
}

func (k PairKey) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{k.Symbol1, k.Symbol2})
}

func (k *PairKey) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("pair must have 2 symbols, got %d", len(arr))
	}
	k.Symbol1, k.Symbol2 = arr[0], arr[1]
	return nil
}

// PairConfig 是一个交易对的协整参数与触发阈值。
// Gamma/Threshold 可能被重新校准整体替换。
type PairConfig struct {
	Symbol1   string  `yaml:"symbol1" json:"symbol1"`
	Symbol2   string  `yaml:"symbol2" json:"symbol2"`
	Constant  float64 `yaml:"constant" json:"constant"`   // 回归截距
	Gamma     float64 `yaml:"gamma" json:"gamma"`         // 对冲比例
	Std       float64 `yaml:"std" json:"std"`             // 残差标准差
	Threshold float64 `yaml:"threshold" json:"threshold"` // z 触发阈值
	HalfLife  float64 `yaml:"-" json:"half_life,omitempty"`
	PValue    float64 `yaml:"-" json:"p_value,omitempty"`
}

// Pair 返回配置对应的 PairKey
func (c PairConfig) Pair() PairKey {
	return PairKey{Symbol1: c.Symbol1, Symbol2: c.Symbol2}
}

// Params 返回需要持久化的协整参数
func (c PairConfig) Params() CointegrationParams {
	return CointegrationParams{Constant: c.Constant, Gamma: c.Gamma, Std: c.Std}
}

// CointegrationParams 是持久化文件中 cointegration_params 的条目
type CointegrationParams struct {
	Constant float64 `json:"constant"`
	Gamma    float64 `json:"gamma"`
	Std      float64 `json:"std"`
}

// PairState 追踪一个交易对信号状态机在运行时的动态状态
type PairState struct {
	Pair            PairKey        `json:"pair"`
	Gamma           float64        `json:"gamma"`
	Threshold       float64        `json:"threshold"`
	CurrentPosition SpreadPosition `json:"current_position"`
	ZValue          float64        `json:"z_value"`
	LastSignalTime  *time.Time     `json:"last_signal_time"`
}

// Position 是单个币种的净持仓。Quantity 为正表示多头。
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	AvgPrice      float64 `json:"avg_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// IsFlat 判断是否空仓
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}

// Trade 是一条不可变的成交记录
type Trade struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Quantity   float64    `json:"quantity"`
	Price      float64    `json:"price"`
	Value      float64    `json:"value"`
	Pair       PairKey    `json:"pair"`
	SignalType SignalType `json:"signal_type"`
	Commission float64    `json:"commission"`
}

// EquitySample 是组合价值时间序列上的一个点
type EquitySample struct {
	Timestamp       time.Time `json:"timestamp"`
	PortfolioValue  float64   `json:"portfolio_value"`
	RealizedPnL     float64   `json:"realized_pnl"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	Capital         float64   `json:"capital"`
	TotalCommission float64   `json:"total_commission"`
}

// Quote 是单个币种在某个时间点的盘口快照
type Quote struct {
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Mid       float64 `json:"mid"`
	BidVolume float64 `json:"bid_volume"`
	AskVolume float64 `json:"ask_volume"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
}

// Tradable 判断报价是否可以用于成交
func (q Quote) Tradable() bool {
	return positive(q.Bid) && positive(q.Ask) && positive(q.Mid)
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// MarketSnapshot 是一个时间点上所有币种的行情，生产者构建后不再修改。
// Gap 为 true 表示至少一个币种缺失当前行，对应报价沿用了上一行。
type MarketSnapshot struct {
	Timestamp time.Time
	Quotes    map[string]Quote
	Gap       bool
	Missing   []string
}

// Quote 返回指定币种的报价
func (s MarketSnapshot) Quote(symbol string) (Quote, bool) {
	q, ok := s.Quotes[symbol]
	return q, ok
}

// Mids 返回所有中间价大于0的币种中间价
func (s MarketSnapshot) Mids() map[string]float64 {
	mids := make(map[string]float64, len(s.Quotes))
	for sym, q := range s.Quotes {
		if positive(q.Mid) {
			mids[sym] = q.Mid
		}
	}
	return mids
}

// Order 是仓位计算器输出的已定量订单，Qty1/Qty2 均为非负整数
type Order struct {
	Pair   PairKey
	Intent Intent
	Qty1   float64
	Qty2   float64
}
