// Package marketdata 提供按时间索引的多币种行情表以及实时行情生产者。
package marketdata

import (
	"sort"
	"time"

	"pairs-arb-go/internal/models"
)

// DefaultSpread 由K线收盘价模拟买卖价时使用的默认价差
const DefaultSpread = 0.0005

// Bar 是一根K线
type Bar struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// QuoteFromBar 以收盘价为中间价模拟盘口:
// bid = close*(1-spread), ask = close*(1+spread), 买卖量各为成交量的一半
func QuoteFromBar(b Bar, spread float64) models.Quote {
	return models.Quote{
		Bid:       b.Close * (1 - spread),
		Ask:       b.Close * (1 + spread),
		Mid:       b.Close,
		BidVolume: b.Volume / 2,
		AskVolume: b.Volume / 2,
		High:      b.High,
		Low:       b.Low,
	}
}

// Table 是按时间索引、按币种分列的K线表
type Table struct {
	spread  float64
	symbols []string
	bars    map[string]map[int64]Bar
	times   []int64
	dirty   bool
}

// NewTable creates an empty table. spread <= 0 uses DefaultSpread.
func NewTable(spread float64) *Table {
	if spread <= 0 {
		spread = DefaultSpread
	}
	return &Table{spread: spread, bars: make(map[string]map[int64]Bar)}
}

// Add 添加一根K线，同一时间戳重复添加时覆盖
func (t *Table) Add(symbol string, b Bar) {
	m, ok := t.bars[symbol]
	if !ok {
		m = make(map[int64]Bar)
		t.bars[symbol] = m
		t.symbols = append(t.symbols, symbol)
		sort.Strings(t.symbols)
	}
	m[b.OpenTime.UnixMilli()] = b
	t.dirty = true
}

// Symbols 返回表中的币种
func (t *Table) Symbols() []string {
	return append([]string(nil), t.symbols...)
}

func (t *Table) index() []int64 {
	if !t.dirty && t.times != nil {
		return t.times
	}
	seen := make(map[int64]struct{})
	for _, m := range t.bars {
		for ts := range m {
			seen[ts] = struct{}{}
		}
	}
	t.times = make([]int64, 0, len(seen))
	for ts := range seen {
		t.times = append(t.times, ts)
	}
	sort.Slice(t.times, func(i, j int) bool { return t.times[i] < t.times[j] })
	t.dirty = false
	return t.times
}

// Len 时间戳数量（所有币种时间戳的并集）
func (t *Table) Len() int {
	return len(t.index())
}

// Times 返回排序后的时间戳
func (t *Table) Times() []time.Time {
	idx := t.index()
	out := make([]time.Time, len(idx))
	for i, ms := range idx {
		out[i] = time.UnixMilli(ms).UTC()
	}
	return out
}

// Snapshots 按时间顺序生成行情快照。
// 某币种在该时间戳缺行时沿用其上一行报价并标记 Gap，从未出现过的币种不出现在快照中。
func (t *Table) Snapshots() []models.MarketSnapshot {
	idx := t.index()
	out := make([]models.MarketSnapshot, 0, len(idx))
	last := make(map[string]models.Quote, len(t.symbols))

	for _, ms := range idx {
		snap := models.MarketSnapshot{
			Timestamp: time.UnixMilli(ms).UTC(),
			Quotes:    make(map[string]models.Quote, len(t.symbols)),
		}
		for _, sym := range t.symbols {
			if b, ok := t.bars[sym][ms]; ok {
				q := QuoteFromBar(b, t.spread)
				last[sym] = q
				snap.Quotes[sym] = q
				continue
			}
			snap.Gap = true
			snap.Missing = append(snap.Missing, sym)
			if q, ok := last[sym]; ok {
				snap.Quotes[sym] = q
			}
		}
		out = append(out, snap)
	}
	return out
}

// Latest 返回最后一个时间戳的快照
func (t *Table) Latest() (models.MarketSnapshot, bool) {
	snaps := t.Snapshots()
	if len(snaps) == 0 {
		return models.MarketSnapshot{}, false
	}
	return snaps[len(snaps)-1], true
}

// Closes 返回所有币种都有数据的时间戳上的收盘价，按时间对齐
func (t *Table) Closes() map[string][]float64 {
	return t.ClosesBetween(time.Time{}, time.Time{})
}

// ClosesBetween 返回 [from, to] 区间内对齐的收盘价，零值表示不限
func (t *Table) ClosesBetween(from, to time.Time) map[string][]float64 {
	out := make(map[string][]float64, len(t.symbols))
	for _, sym := range t.symbols {
		out[sym] = nil
	}
	for _, ms := range t.index() {
		ts := time.UnixMilli(ms)
		if !from.IsZero() && ts.Before(from) {
			continue
		}
		if !to.IsZero() && ts.After(to) {
			break
		}
		complete := true
		for _, sym := range t.symbols {
			if _, ok := t.bars[sym][ms]; !ok {
				complete = false
				break
			}
		}
		if !complete {
			continue
		}
		for _, sym := range t.symbols {
			out[sym] = append(out[sym], t.bars[sym][ms].Close)
		}
	}
	return out
}
