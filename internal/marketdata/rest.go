package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"

	"pairs-arb-go/internal/models"
	"pairs-arb-go/internal/util/backoff"
)

// Source 是实时行情的生产者。实现只负责产出不可变快照，不接触引擎状态。
type Source interface {
	// History 返回最近 lookback 区间内的K线表，用于选择和重新校准
	History(ctx context.Context, lookback time.Duration) (*Table, error)
	// Run 持续向 out 推送时间戳递增的快照，直到 ctx 结束
	Run(ctx context.Context, out chan<- models.MarketSnapshot) error
}

// KlineFetcher 拉取K线，由 downloader.KlineDownloader 实现
type KlineFetcher interface {
	Fetch(ctx context.Context, symbol, interval string, start, end time.Time) ([]*binance.Kline, error)
}

// BarFromKline 解析币安K线
func BarFromKline(k *binance.Kline) (Bar, error) {
	vals := make([]float64, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Bar{}, fmt.Errorf("解析K线字段失败: %w", err)
		}
		vals[i] = v
	}
	return Bar{
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}

// IntervalDuration 把币安K线周期转换为时长，如 1m、4h、1d
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("无效的K线周期: %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("无效的K线周期: %q", interval)
	}
	unit := map[byte]time.Duration{'m': time.Minute, 'h': time.Hour, 'd': 24 * time.Hour, 'w': 7 * 24 * time.Hour}
	d, ok := unit[interval[len(interval)-1]]
	if !ok {
		return 0, fmt.Errorf("无效的K线周期: %q", interval)
	}
	return time.Duration(n) * d, nil
}

// RESTSource 按固定间隔轮询最新已收盘的K线
type RESTSource struct {
	fetcher  KlineFetcher
	symbols  []string
	interval string
	bar      time.Duration
	poll     time.Duration
	spread   float64
	now      func() time.Time
	logger   *zap.Logger

	last     map[string]models.Quote
	lastTime time.Time
}

// NewRESTSource creates a polling source.
func NewRESTSource(fetcher KlineFetcher, symbols []string, cfg models.DataConfig, logger *zap.Logger) (*RESTSource, error) {
	bar, err := IntervalDuration(cfg.Interval)
	if err != nil {
		return nil, err
	}
	return &RESTSource{
		fetcher:  fetcher,
		symbols:  append([]string(nil), symbols...),
		interval: cfg.Interval,
		bar:      bar,
		poll:     cfg.UpdateInterval,
		spread:   cfg.Spread,
		now:      time.Now,
		logger:   logger,
		last:     make(map[string]models.Quote),
	}, nil
}

// History 拉取每个币种最近 lookback 的K线
func (s *RESTSource) History(ctx context.Context, lookback time.Duration) (*Table, error) {
	end := s.now()
	start := end.Add(-lookback)
	t := NewTable(s.spread)
	for _, sym := range s.symbols {
		klines, err := s.fetcher.Fetch(ctx, sym, s.interval, start, end)
		if err != nil {
			return nil, err
		}
		for _, k := range klines {
			if time.UnixMilli(k.CloseTime).After(end) {
				continue // 未收盘
			}
			b, err := BarFromKline(k)
			if err != nil {
				s.logger.Sugar().Warnf("[%s] %v", sym, err)
				continue
			}
			t.Add(sym, b)
		}
	}
	return t, nil
}

// Latest 返回最近一根已收盘K线构成的快照。
// 某币种获取失败时沿用上一次报价并标记 Gap。
func (s *RESTSource) Latest(ctx context.Context) (models.MarketSnapshot, error) {
	end := s.now()
	start := end.Add(-3 * s.bar)
	snap := models.MarketSnapshot{Quotes: make(map[string]models.Quote, len(s.symbols))}

	for _, sym := range s.symbols {
		klines, err := s.fetcher.Fetch(ctx, sym, s.interval, start, end)
		var closed *binance.Kline
		if err == nil {
			for _, k := range klines {
				if !time.UnixMilli(k.CloseTime).After(end) {
					closed = k
				}
			}
		}
		if closed == nil {
			if err != nil {
				s.logger.Sugar().Warnf("[%s] 获取最新K线失败: %v", sym, err)
			}
			snap.Gap = true
			snap.Missing = append(snap.Missing, sym)
			if q, ok := s.last[sym]; ok {
				snap.Quotes[sym] = q
			}
			continue
		}
		b, err := BarFromKline(closed)
		if err != nil {
			snap.Gap = true
			snap.Missing = append(snap.Missing, sym)
			if q, ok := s.last[sym]; ok {
				snap.Quotes[sym] = q
			}
			continue
		}
		q := QuoteFromBar(b, s.spread)
		s.last[sym] = q
		if b.OpenTime.After(snap.Timestamp) {
			snap.Timestamp = b.OpenTime
		}
	}

	if snap.Timestamp.IsZero() {
		return snap, fmt.Errorf("%w: 所有币种均未获取到行情", models.ErrDataGap)
	}
	for sym, q := range s.last {
		if _, ok := snap.Quotes[sym]; !ok {
			snap.Quotes[sym] = q
		}
	}
	return snap, nil
}

// Run 轮询并推送新的快照。同一根K线不会重复推送。
func (s *RESTSource) Run(ctx context.Context, out chan<- models.MarketSnapshot) error {
	poll := s.poll
	if poll <= 0 {
		poll = time.Minute
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	bo := backoff.NewDefault()

	for {
		snap, err := s.Latest(ctx)
		switch {
		case err != nil:
			s.logger.Sugar().Warnf("轮询行情失败: %v", err)
			if werr := bo.Wait(ctx); werr != nil {
				return werr
			}
			continue
		case snap.Timestamp.After(s.lastTime):
			bo.Reset()
			s.lastTime = snap.Timestamp
			select {
			case out <- snap:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
