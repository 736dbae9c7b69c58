package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// LoadCSVTable 读取下载器生成的K线CSV（open_time, open, high, low, close, volume, ...）。
// files 为 币种 -> 文件路径。
func LoadCSVTable(files map[string]string, spread float64) (*Table, error) {
	t := NewTable(spread)
	for symbol, path := range files {
		if err := loadCSV(t, symbol, path); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func loadCSV(t *Table, symbol, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("无法打开历史数据文件 %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(t, symbol, f)
}

// ReadCSV 从 reader 读取一个币种的K线到表中，跳过表头和无法解析的行
func ReadCSV(t *Table, symbol string, r io.Reader) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("无法读取 %s 的CSV记录: %w", symbol, err)
	}
	rows := 0
	for i, rec := range records {
		if len(rec) < 6 {
			continue
		}
		if i == 0 && rec[0] == "open_time" {
			continue
		}
		bar, err := parseRecord(rec)
		if err != nil {
			continue
		}
		t.Add(symbol, bar)
		rows++
	}
	if rows == 0 {
		return fmt.Errorf("%s 的历史数据为空或只有表头", symbol)
	}
	return nil
}

func parseRecord(rec []string) (Bar, error) {
	ms, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return Bar{}, err
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(rec[i+1], 64)
		if err != nil {
			return Bar{}, err
		}
		vals[i] = v
	}
	return Bar{
		OpenTime: time.UnixMilli(ms).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
	}, nil
}
