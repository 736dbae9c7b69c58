// Package downloader 从币安公共接口下载K线并缓存为CSV。
package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// 币安单次请求最多1000条
const pageLimit = 1000

// Header 是缓存CSV的表头
var Header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}

// KlineDownloader 用于从币安下载K线数据
type KlineDownloader struct {
	client *binance.Client
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例，baseURL 为空时使用币安默认地址
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{
		client: client,
		pause:  200 * time.Millisecond,
		logger: logger,
	}
}

// FileName 返回缓存文件路径，例如 data/BTCUSDT-1h-2024-01-01-2024-03-01.csv
func FileName(dir, symbol, interval, start, end string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s-%s.csv", symbol, interval, start, end))
}

// Fetch 分页拉取 [start, end) 区间内的K线
func (d *KlineDownloader) Fetch(ctx context.Context, symbol, interval string, start, end time.Time) ([]*binance.Kline, error) {
	var out []*binance.Kline
	for t := start; t.Before(end); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(end.UnixMilli() - 1).
			Limit(pageLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("下载 %s K线数据失败: %w", symbol, err)
		}
		if len(klines) == 0 {
			break
		}
		out = append(out, klines...)

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if len(klines) < pageLimit {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}
	return out, nil
}

// DownloadKlines 下载K线并保存到CSV文件。文件已存在时直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, start, end time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Sugar().Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	d.logger.Sugar().Infof("开始下载 %s 从 %s 到 %s 的 %s K线数据...", symbol, start.Format("2006-01-02"), end.Format("2006-01-02"), interval)

	klines, err := d.Fetch(ctx, symbol, interval, start, end)
	if err != nil {
		return err
	}
	if len(klines) == 0 {
		return fmt.Errorf("%s 在该区间没有K线数据", symbol)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}
	// 先写临时文件，中断时不会留下不完整的缓存
	tmp := filePath + ".part"
	if err := writeCSV(tmp, klines); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("重命名缓存文件失败: %w", err)
	}

	d.logger.Sugar().Infof("成功下载 %d 条K线数据到 %s", len(klines), filePath)
	return nil
}

// DownloadAll 依次下载多个币种，返回 币种 -> 文件路径
func (d *KlineDownloader) DownloadAll(ctx context.Context, symbols []string, interval, dir string, start, end time.Time) (map[string]string, error) {
	files := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		path := FileName(dir, sym, interval, start.Format("2006-01-02"), end.Format("2006-01-02"))
		if err := d.DownloadKlines(ctx, sym, interval, path, start, end); err != nil {
			return nil, err
		}
		files[sym] = path
	}
	return files, nil
}

func writeCSV(path string, klines []*binance.Kline) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}
	for _, k := range klines {
		record := []string{
			strconv.FormatInt(k.OpenTime, 10),
			k.Open,
			k.High,
			k.Low,
			k.Close,
			k.Volume,
			strconv.FormatInt(k.CloseTime, 10),
			k.QuoteAssetVolume,
			strconv.FormatInt(k.TradeNum, 10),
			k.TakerBuyBaseAssetVolume,
			k.TakerBuyQuoteAssetVolume,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("写入CSV记录失败: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	return file.Sync()
}
