// Package metrics 暴露模拟交易的 Prometheus 指标
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pairs-arb-go/internal/engine"
	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/models"
	"pairs-arb-go/internal/recalibration"
)

const namespace = "statarb"

// Metrics 指标集合，使用独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	// tick 处理
	TicksTotal        prometheus.Counter
	GapTicksTotal     prometheus.Counter
	SkippedPairsTotal prometheus.Counter
	TradesTotal       *prometheus.CounterVec

	// 组合
	PortfolioValue prometheus.Gauge
	DrawdownPct    prometheus.Gauge
	OpenPairs      prometheus.Gauge
	ZValue         *prometheus.GaugeVec

	RecalibrationsTotal *prometheus.CounterVec
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Market snapshots processed",
		}),
		GapTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_ticks_total",
			Help:      "Snapshots with at least one missing symbol",
		}),
		SkippedPairsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_pairs_total",
			Help:      "Pair evaluations skipped for missing or invalid quotes",
		}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Simulated fills by pair and signal type",
		}, []string{"pair", "signal"}),
		PortfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_value",
			Help:      "Initial capital plus realized and unrealized PnL",
		}),
		DrawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "max_drawdown_pct",
			Help:      "Max drawdown relative to initial capital",
		}),
		OpenPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_pairs",
			Help:      "Pairs with a non-flat spread position",
		}),
		ZValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "z_value",
			Help:      "Last computed spread z-value",
		}, []string{"pair"}),
		RecalibrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalibrations_total",
			Help:      "Recalibration outcomes per pair",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.TicksTotal,
		m.GapTicksTotal,
		m.SkippedPairsTotal,
		m.TradesTotal,
		m.PortfolioValue,
		m.DrawdownPct,
		m.OpenPairs,
		m.ZValue,
		m.RecalibrationsTotal,
	)
	return m
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTick 记录一次 tick 的结果
func (m *Metrics) ObserveTick(res engine.TickResult) {
	m.TicksTotal.Inc()
	if res.Gap {
		m.GapTicksTotal.Inc()
	}
	m.SkippedPairsTotal.Add(float64(len(res.Skipped)))
	for _, tr := range res.Trades {
		m.TradesTotal.WithLabelValues(tr.Pair.Key(), string(tr.SignalType)).Inc()
	}
	if !res.Sample.Timestamp.IsZero() {
		m.PortfolioValue.Set(res.Sample.PortfolioValue)
	}
}

// ObserveStatus 用状态摘要刷新组合指标
func (m *Metrics) ObserveStatus(st ledger.Status) {
	m.PortfolioValue.Set(st.CurrentValue)
	m.DrawdownPct.Set(st.MaxDrawdownPct)
	open := 0
	for _, p := range st.Pairs {
		if models.SpreadPosition(p.Position) != models.Flat {
			open++
		}
		m.ZValue.WithLabelValues(p.Pair).Set(p.ZValue)
	}
	m.OpenPairs.Set(float64(open))
}

// ReportStatus 实现 statemanager.StatusReporter
func (m *Metrics) ReportStatus(st ledger.Status) {
	m.ObserveStatus(st)
}

// ObserveRecalibration 记录一轮校准结果
func (m *Metrics) ObserveRecalibration(rep recalibration.Report) {
	for _, out := range rep.Results {
		m.RecalibrationsTotal.WithLabelValues(out.String()).Inc()
	}
}

// Serve 启动指标 HTTP 服务，ctx 结束时关闭
func (m *Metrics) Serve(ctx context.Context, addr, path string, logger *zap.Logger) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Sugar().Infof("Prometheus 指标服务启动: %s%s", addr, path)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
