package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pairs-arb-go/internal/models"
	"pairs-arb-go/internal/util/backoff"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait
)

// klineMessage 是组合流中的K线事件
type klineMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Kline  struct {
			OpenTime int64       `json:"t"`
			Open     json.Number `json:"o"`
			High     json.Number `json:"h"`
			Low      json.Number `json:"l"`
			Close    json.Number `json:"c"`
			Volume   json.Number `json:"v"`
			Closed   bool        `json:"x"`
		} `json:"k"`
	} `json:"data"`
}

// parseKline 解析一条组合流消息，返回币种、K线以及是否已收盘
func parseKline(data []byte) (string, Bar, bool, error) {
	var msg klineMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", Bar{}, false, err
	}
	if msg.Data.Symbol == "" {
		return "", Bar{}, false, fmt.Errorf("非K线消息: %s", msg.Stream)
	}
	k := msg.Data.Kline
	vals := make([]float64, 5)
	for i, n := range []json.Number{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return "", Bar{}, false, fmt.Errorf("解析K线字段失败: %w", err)
		}
		vals[i] = v
	}
	return msg.Data.Symbol, Bar{
		OpenTime: time.UnixMilli(k.OpenTime).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, k.Closed, nil
}

// assembler 把各币种独立到达的已收盘K线拼成按时间对齐的快照
type assembler struct {
	symbols []string
	spread  float64
	pending map[int64]map[string]Bar
	last    map[string]models.Quote
	emitted int64
}

func newAssembler(symbols []string, spread float64) *assembler {
	if spread <= 0 {
		spread = DefaultSpread
	}
	return &assembler{
		symbols: symbols,
		spread:  spread,
		pending: make(map[int64]map[string]Bar),
		last:    make(map[string]models.Quote),
	}
}

// add 记录一根K线，返回可以发出的快照。
// 某时间戳所有币种到齐时发出；更晚的时间戳到齐时，更早未到齐的时间戳带 Gap 标记一并发出。
func (a *assembler) add(symbol string, b Bar) []models.MarketSnapshot {
	ms := b.OpenTime.UnixMilli()
	if ms <= a.emitted {
		return nil // 迟到的K线
	}
	row, ok := a.pending[ms]
	if !ok {
		row = make(map[string]Bar, len(a.symbols))
		a.pending[ms] = row
	}
	row[symbol] = b
	if len(row) < len(a.symbols) {
		return nil
	}

	times := make([]int64, 0, len(a.pending))
	for ts := range a.pending {
		if ts <= ms {
			times = append(times, ts)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	out := make([]models.MarketSnapshot, 0, len(times))
	for _, ts := range times {
		out = append(out, a.snapshot(ts, a.pending[ts]))
		delete(a.pending, ts)
	}
	a.emitted = ms
	return out
}

func (a *assembler) snapshot(ms int64, row map[string]Bar) models.MarketSnapshot {
	snap := models.MarketSnapshot{
		Timestamp: time.UnixMilli(ms).UTC(),
		Quotes:    make(map[string]models.Quote, len(a.symbols)),
	}
	for _, sym := range a.symbols {
		if b, ok := row[sym]; ok {
			q := QuoteFromBar(b, a.spread)
			a.last[sym] = q
			snap.Quotes[sym] = q
			continue
		}
		snap.Gap = true
		snap.Missing = append(snap.Missing, sym)
		if q, ok := a.last[sym]; ok {
			snap.Quotes[sym] = q
		}
	}
	return snap
}

// StreamSource 订阅币安K线组合流，历史数据通过 REST 获取
type StreamSource struct {
	rest     *RESTSource
	wsURL    string
	symbols  []string
	interval string
	spread   float64
	logger   *zap.Logger
}

// NewStreamSource creates a websocket source. History requests go through fetcher.
func NewStreamSource(fetcher KlineFetcher, symbols []string, cfg models.DataConfig, logger *zap.Logger) (*StreamSource, error) {
	rest, err := NewRESTSource(fetcher, symbols, cfg, logger)
	if err != nil {
		return nil, err
	}
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	return &StreamSource{
		rest:     rest,
		wsURL:    strings.TrimRight(cfg.WSURL, "/"),
		symbols:  sorted,
		interval: cfg.Interval,
		spread:   cfg.Spread,
		logger:   logger,
	}, nil
}

// History 见 RESTSource.History
func (s *StreamSource) History(ctx context.Context, lookback time.Duration) (*Table, error) {
	return s.rest.History(ctx, lookback)
}

// StreamURL 组合流地址，例如 wss://host/stream?streams=btcusdt@kline_1h/ethusdt@kline_1h
func (s *StreamSource) StreamURL() string {
	streams := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		streams[i] = fmt.Sprintf("%s@kline_%s", strings.ToLower(sym), s.interval)
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.wsURL, strings.Join(streams, "/"))
}

// Run 维持连接并在断线后按指数退避重连
func (s *StreamSource) Run(ctx context.Context, out chan<- models.MarketSnapshot) error {
	asm := newAssembler(s.symbols, s.spread)
	bo := backoff.NewDefault()
	for {
		if err := s.session(ctx, asm, bo, out); err != nil {
			s.logger.Sugar().Warnf("WebSocket处理时发生错误: %v", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := bo.Next()
		s.logger.Sugar().Infof("WebSocket连接已断开，%v 后重连...", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session 处理一个已建立的连接，阻塞直到连接断开或 ctx 结束
func (s *StreamSource) session(ctx context.Context, asm *assembler, bo *backoff.Backoff, out chan<- models.MarketSnapshot) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.StreamURL(), http.Header{})
	if err != nil {
		return fmt.Errorf("WebSocket连接失败: %w", err)
	}
	defer conn.Close()
	bo.Reset()
	s.logger.Sugar().Infof("WebSocket连接成功: %d 个币种", len(s.symbols))

	// Pong 处理器延长读取超时
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					s.logger.Sugar().Warnf("发送Ping失败: %v", err)
					return
				}
			case <-ctx.Done():
				// 优雅关闭，同时让阻塞的 ReadMessage 返回
				conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		symbol, bar, closed, err := parseKline(message)
		if err != nil {
			s.logger.Sugar().Debugf("解析K线消息失败: %v", err)
			continue
		}
		if !closed {
			continue
		}
		for _, snap := range asm.add(symbol, bar) {
			if snap.Gap {
				s.logger.Sugar().Warnf("%s 缺少行情: %v", snap.Timestamp.Format(time.RFC3339), snap.Missing)
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
