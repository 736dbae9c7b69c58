package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pairs-arb-go/internal/cointegration"
	"pairs-arb-go/internal/config"
	"pairs-arb-go/internal/downloader"
	"pairs-arb-go/internal/engine"
	"pairs-arb-go/internal/export"
	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/logger"
	"pairs-arb-go/internal/marketdata"
	"pairs-arb-go/internal/metrics"
	"pairs-arb-go/internal/models"
	"pairs-arb-go/internal/persistence"
	"pairs-arb-go/internal/recalibration"
	"pairs-arb-go/internal/reporter"
	"pairs-arb-go/internal/selection"
	"pairs-arb-go/internal/statemanager"
)

const dateLayout = "2006-01-02"

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file")
	mode := flag.String("mode", "backtest", "running mode: backtest, dryrun or download")
	once := flag.Bool("once", false, "dryrun: process a single tick and exit")
	flag.Parse()

	// 配置加载前先使用默认logger
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if p := os.Getenv("STATARB_STATE_FILE"); p != "" {
		cfg.Persistence.StateFile = p
	}
	if u := os.Getenv("BINANCE_BASE_URL"); u != "" {
		cfg.Data.BaseURL = u
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.Log)
	defer logger.S().Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "backtest":
		err = runBacktest(ctx, cfg)
	case "dryrun":
		err = runDryRun(ctx, cfg, *once)
	case "download":
		err = runDownload(ctx, cfg)
	default:
		err = fmt.Errorf("未知的运行模式: %s。请选择 'backtest'、'dryrun' 或 'download'。", *mode)
	}
	if err != nil {
		logger.S().Fatal(err)
	}
}

// universe 返回候选币种与显式交易对涉及的全部币种
func universe(cfg *models.Config) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range cfg.Symbols {
		add(s)
	}
	for _, p := range cfg.Pairs {
		add(p.Symbol1)
		add(p.Symbol2)
	}
	sort.Strings(out)
	return out
}

func dateRange(cfg *models.Config) (time.Time, time.Time, error) {
	if cfg.Data.Start == "" || cfg.Data.End == "" {
		return time.Time{}, time.Time{}, errors.New("data.start 和 data.end 必须设置 (YYYY-MM-DD)")
	}
	start, err1 := time.Parse(dateLayout, cfg.Data.Start)
	end, err2 := time.Parse(dateLayout, cfg.Data.End)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("data.end 必须晚于 data.start")
	}
	return start, end, nil
}

// choosePairs 显式配置优先，否则对收盘价窗口做协整选择
func choosePairs(cfg *models.Config, closes map[string][]float64) ([]models.PairConfig, error) {
	if len(cfg.Pairs) > 0 {
		return selection.FromConfig(cfg.Pairs, cfg.Strategy)
	}
	sel := selection.NewSelector(cointegration.NewEngleGranger(), cfg.Strategy, logger.Named("selection"))
	return sel.Select(closes)
}

func newEngine(cfg *models.Config) *engine.Engine {
	eng := engine.New(engine.OptionsFromConfig(cfg.Engine), logger.Named("engine"))
	if cfg.Recalibration.Enabled {
		eng.SetRecalibrator(recalibration.NewController(cointegration.NewEngleGranger(), cfg.Recalibration.MinChange, cfg.Strategy.PValueThreshold, logger.Named("recalibration")))
	}
	return eng
}

func runDownload(ctx context.Context, cfg *models.Config) error {
	start, end, err := dateRange(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return fmt.Errorf("创建 %s 目录失败: %w", cfg.Data.Dir, err)
	}
	d := downloader.NewKlineDownloader(cfg.Data.BaseURL, logger.Named("downloader"))
	files, err := d.DownloadAll(ctx, universe(cfg), cfg.Data.Interval, cfg.Data.Dir, start, end)
	if err != nil {
		return fmt.Errorf("下载数据失败: %w", err)
	}
	logger.S().Infof("下载完成，共 %d 个文件", len(files))
	return nil
}

// runBacktest 前 lookback_days 的数据用于选择交易对，其后逐根K线回放
func runBacktest(ctx context.Context, cfg *models.Config) error {
	logger.S().Info("--- 启动回测模式 ---")
	start, end, err := dateRange(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Data.Dir, 0755); err != nil {
		return fmt.Errorf("创建 %s 目录失败: %w", cfg.Data.Dir, err)
	}

	// 本地已有的文件直接复用
	d := downloader.NewKlineDownloader(cfg.Data.BaseURL, logger.Named("downloader"))
	files, err := d.DownloadAll(ctx, universe(cfg), cfg.Data.Interval, cfg.Data.Dir, start, end)
	if err != nil {
		return fmt.Errorf("准备历史数据失败: %w", err)
	}
	table, err := marketdata.LoadCSVTable(files, cfg.Data.Spread)
	if err != nil {
		return err
	}
	times := table.Times()
	if len(times) == 0 {
		return errors.New("历史数据为空")
	}

	formationEnd := times[0].Add(time.Duration(cfg.Data.LookbackDays) * 24 * time.Hour)
	if !formationEnd.Before(times[len(times)-1]) {
		logger.S().Warn("数据不足以划分选择窗口，使用全部数据选择交易对")
		formationEnd = times[len(times)-1]
	}
	pairs, err := choosePairs(cfg, table.ClosesBetween(time.Time{}, formationEnd))
	if err != nil {
		return err
	}

	eng := newEngine(cfg)
	if err := eng.InitializePairs(pairs, formationEnd); err != nil {
		return err
	}

	lookback := time.Duration(cfg.Recalibration.LookbackDays) * 24 * time.Hour
	nextRecal := formationEnd.Add(cfg.Recalibration.Interval)
	ticks := 0
	logger.S().Info("开始回测...")
	for _, snap := range table.Snapshots() {
		if !snap.Timestamp.After(formationEnd) {
			continue
		}
		if ctx.Err() != nil {
			logger.S().Warn("收到中断信号，提前结束回测")
			break
		}
		if cfg.Recalibration.Enabled && !snap.Timestamp.Before(nextRecal) {
			// 只使用当前时间之前的数据
			if _, err := eng.Recalibrate(table.ClosesBetween(snap.Timestamp.Add(-lookback), snap.Timestamp.Add(-time.Millisecond))); err != nil {
				logger.S().Warnf("重新校准失败: %v", err)
			}
			nextRecal = snap.Timestamp.Add(cfg.Recalibration.Interval)
		}
		eng.ProcessTick(snap)
		ticks++
	}
	logger.S().Infof("回测结束，共处理 %d 个tick。", ticks)

	reporter.RenderReport(os.Stdout, reporter.CalculateMetrics(eng.Ledger()))
	return exportResults(cfg, eng, time.Now())
}

func exportResults(cfg *models.Config, eng *engine.Engine, now time.Time) error {
	l := eng.Ledger()
	if err := export.Results(cfg.OutputDir, l.Trades(), l.History(), eng.Status(now)); err != nil {
		return fmt.Errorf("导出结果失败: %w", err)
	}
	logger.S().Infof("结果已导出到 %s", cfg.OutputDir)
	return nil
}

// exportJournal 在存储后端保留完整成交日志时导出它
func exportJournal(cfg *models.Config, repo persistence.StateRepository) {
	journal, ok := repo.(interface {
		Trades(pair string) ([]models.Trade, error)
	})
	if !ok {
		return
	}
	trades, err := journal.Trades("")
	if err != nil {
		logger.S().Warnf("读取成交日志失败: %v", err)
		return
	}
	if len(trades) == 0 {
		return
	}
	if err := export.Trades(filepath.Join(cfg.OutputDir, export.JournalFile), trades); err != nil {
		logger.S().Warnf("导出成交日志失败: %v", err)
	}
}

// statusSinks 把状态摘要分发给多个接收方，在事件循环中调用
type statusSinks []interface{ ReportStatus(ledger.Status) }

func (s statusSinks) ReportStatus(st ledger.Status) {
	for _, sink := range s {
		sink.ReportStatus(st)
	}
}

// newSource 根据配置选择实时数据源
func newSource(cfg *models.Config, symbols []string) (marketdata.Source, error) {
	fetcher := downloader.NewKlineDownloader(cfg.Data.BaseURL, logger.Named("downloader"))
	switch cfg.Data.Source {
	case "websocket":
		return marketdata.NewStreamSource(fetcher, symbols, cfg.Data, logger.Named("stream"))
	default:
		return marketdata.NewRESTSource(fetcher, symbols, cfg.Data, logger.Named("rest"))
	}
}

// restoreEngine 加载持久化状态，失败时以全新状态启动
func restoreEngine(cfg *models.Config, repo persistence.StateRepository) (*engine.Engine, bool) {
	eng := newEngine(cfg)
	st, err := repo.LoadState()
	if err != nil {
		logger.S().Warnf("无法加载状态: %v，将以全新状态启动。", err)
		return eng, false
	}
	if st == nil {
		logger.S().Info("未找到状态文件，以全新状态启动。")
		return eng, false
	}
	if err := eng.Restore(st); err != nil {
		logger.S().Warnf("状态恢复失败: %v，将以全新状态启动。", err)
		return newEngine(cfg), false
	}
	return eng, len(eng.Pairs()) > 0
}

func runDryRun(ctx context.Context, cfg *models.Config, once bool) error {
	logger.S().Info("--- 启动模拟实盘模式 ---")
	repo, err := persistence.Open(cfg.Persistence)
	if err != nil {
		return fmt.Errorf("初始化状态存储失败: %w", err)
	}
	defer repo.Close()

	eng, restored := restoreEngine(cfg, repo)
	symbols := universe(cfg)
	if restored {
		symbols = eng.Symbols()
	}
	src, err := newSource(cfg, symbols)
	if err != nil {
		return err
	}

	lookback := time.Duration(cfg.Data.LookbackDays) * 24 * time.Hour
	if !restored {
		var closes map[string][]float64
		if len(cfg.Pairs) == 0 {
			hist, err := src.History(ctx, lookback)
			if err != nil {
				return fmt.Errorf("获取历史数据失败: %w", err)
			}
			closes = hist.Closes()
		}
		pairs, err := choosePairs(cfg, closes)
		if err != nil {
			return err
		}
		if err := eng.InitializePairs(pairs, time.Now()); err != nil {
			return err
		}
		// 已选交易对之外的币种不再拉取
		if src, err = newSource(cfg, eng.Symbols()); err != nil {
			return err
		}
	}

	if once {
		return runOnce(ctx, cfg, eng, repo, src)
	}

	status := statusSinks{reporter.NewStatusReporter(os.Stdout, logger.Named("status"))}
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		status = append(status, m)
	}
	sm := statemanager.NewStateManager(eng, repo, status, logger.Named("statemanager"))
	if m != nil {
		sm.OnTick(m.ObserveTick)
		sm.OnRecalibrate(m.ObserveRecalibration)
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, cfg.Metrics.Path, logger.Named("metrics")); err != nil {
				logger.S().Errorf("指标服务异常退出: %v", err)
			}
		}()
	}
	sm.Start()

	snapshots := make(chan models.MarketSnapshot, 64)
	go func() {
		if err := src.Run(ctx, snapshots); err != nil && !errors.Is(err, context.Canceled) {
			logger.S().Errorf("行情数据源退出: %v", err)
		}
	}()
	go sm.Feed(ctx, snapshots)

	statusTicker := time.NewTicker(cfg.StatusInterval)
	defer statusTicker.Stop()
	var recalC <-chan time.Time
	if cfg.Recalibration.Enabled {
		recalTicker := time.NewTicker(cfg.Recalibration.Interval)
		defer recalTicker.Stop()
		recalC = recalTicker.C
	}
	recalLookback := time.Duration(cfg.Recalibration.LookbackDays) * 24 * time.Hour

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-statusTicker.C:
			if err := sm.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.StatusEvent, Timestamp: time.Now()}); err != nil {
				break loop
			}
		case <-recalC:
			// 历史数据在事件循环之外获取，避免阻塞tick处理
			hist, err := src.History(ctx, recalLookback)
			if err != nil {
				logger.S().Warnf("获取校准数据失败: %v", err)
				continue
			}
			data := statemanager.RecalibrateEventData{Series: hist.Closes()}
			if err := sm.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.RecalibrateEvent, Timestamp: time.Now(), Data: data}); err != nil {
				break loop
			}
		}
	}

	logger.S().Info("收到退出信号，正在停止...")
	stopErr := sm.Stop()
	if err := exportResults(cfg, eng, time.Now()); err != nil {
		logger.S().Error(err)
	} else {
		exportJournal(cfg, repo)
	}
	if stopErr != nil {
		return fmt.Errorf("保存最终状态失败: %w", stopErr)
	}
	logger.S().Info("已成功停止，状态已保存。")
	return nil
}

// runOnce 处理最新一根K线后退出
func runOnce(ctx context.Context, cfg *models.Config, eng *engine.Engine, repo persistence.StateRepository, src marketdata.Source) error {
	latest, ok := src.(interface {
		Latest(context.Context) (models.MarketSnapshot, error)
	})
	if !ok {
		hist, err := src.History(ctx, 24*time.Hour)
		if err != nil {
			return err
		}
		snap, found := hist.Latest()
		if !found {
			return models.ErrDataGap
		}
		return finishOnce(cfg, eng, repo, snap)
	}
	snap, err := latest.Latest(ctx)
	if err != nil {
		return err
	}
	return finishOnce(cfg, eng, repo, snap)
}

func finishOnce(cfg *models.Config, eng *engine.Engine, repo persistence.StateRepository, snap models.MarketSnapshot) error {
	res := eng.ProcessTick(snap)
	logger.S().Infof("处理 %s: %d 笔成交", res.Timestamp.Format(time.RFC3339), len(res.Trades))
	now := time.Now()
	if err := repo.SaveState(eng.ExportState(now)); err != nil {
		return err
	}
	reporter.RenderStatus(os.Stdout, eng.Status(now))
	if err := exportResults(cfg, eng, now); err != nil {
		return err
	}
	exportJournal(cfg, repo)
	return nil
}
