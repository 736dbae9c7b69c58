// Package export 把运行结果写入输出目录: trades.csv、portfolio_history.csv、status.json
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"pairs-arb-go/internal/ledger"
	"pairs-arb-go/internal/models"
)

const (
	TradesFile    = "trades.csv"
	HistoryFile   = "portfolio_history.csv"
	StatusFile    = "status.json"
	JournalFile   = "trades_journal.csv" // 仅 sqlite 后端，包含完整成交历史
	timeLayoutCSV = time.RFC3339
)

var tradeHeader = []string{"id", "timestamp", "symbol", "side", "quantity", "price", "value", "pair", "signal_type", "commission"}

var historyHeader = []string{"timestamp", "portfolio_value", "realized_pnl", "unrealized_pnl", "capital", "total_commission"}

// Results 写出全部结果文件，目录不存在时创建
func Results(dir string, trades []models.Trade, history []models.EquitySample, status ledger.Status) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("无法创建输出目录 %s: %w", dir, err)
	}
	if len(trades) > 0 {
		if err := Trades(filepath.Join(dir, TradesFile), trades); err != nil {
			return err
		}
	}
	if len(history) > 0 {
		if err := History(filepath.Join(dir, HistoryFile), history); err != nil {
			return err
		}
	}
	return Status(filepath.Join(dir, StatusFile), status)
}

// Trades 写出成交记录
func Trades(path string, trades []models.Trade) error {
	rows := make([][]string, 0, len(trades))
	for _, t := range trades {
		rows = append(rows, []string{
			t.ID,
			t.Timestamp.Format(timeLayoutCSV),
			t.Symbol,
			string(t.Side),
			formatFloat(t.Quantity),
			formatFloat(t.Price),
			formatFloat(t.Value),
			t.Pair.String(),
			string(t.SignalType),
			formatFloat(t.Commission),
		})
	}
	return writeCSV(path, tradeHeader, rows)
}

// History 写出组合价值序列
func History(path string, history []models.EquitySample) error {
	rows := make([][]string, 0, len(history))
	for _, s := range history {
		rows = append(rows, []string{
			s.Timestamp.Format(timeLayoutCSV),
			formatFloat(s.PortfolioValue),
			formatFloat(s.RealizedPnL),
			formatFloat(s.UnrealizedPnL),
			formatFloat(s.Capital),
			formatFloat(s.TotalCommission),
		})
	}
	return writeCSV(path, historyHeader, rows)
}

// Status 写出状态摘要
func Status(path string, status ledger.Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", path, err)
	}
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
