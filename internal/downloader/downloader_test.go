package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// klineServer 模拟 /api/v3/klines，返回 n 根1小时K线
func klineServer(t *testing.T, n int, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		rows := make([]string, 0, n)
		for i := 0; i < n; i++ {
			open := t0.Add(time.Duration(i) * time.Hour).UnixMilli()
			rows = append(rows, fmt.Sprintf(`[%d,"100.0","101.0","99.0","%d.5","12.0",%d,"1200.0",42,"6.0","600.0","0"]`,
				open, 100+i, open+time.Hour.Milliseconds()-1))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))
}

func TestDownloadKlines_WritesCSVAndCaches(t *testing.T) {
	var calls int32
	srv := klineServer(t, 3, &calls)
	defer srv.Close()

	d := NewKlineDownloader(srv.URL, zap.NewNop())
	dir := t.TempDir()
	path := FileName(dir, "BTCUSDT", "1h", "2024-01-01", "2024-01-02")
	assert.Equal(t, filepath.Join(dir, "BTCUSDT-1h-2024-01-01-2024-01-02.csv"), path)

	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", "1h", path, t0, t0.Add(24*time.Hour)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "short page ends pagination")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, fmt.Sprint(t0.UnixMilli()), rows[1][0])
	assert.Equal(t, "102.5", rows[3][4])
	assert.Equal(t, "42", rows[1][8])

	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err))

	// 第二次直接命中缓存
	require.NoError(t, d.DownloadKlines(context.Background(), "BTCUSDT", "1h", path, t0, t0.Add(24*time.Hour)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDownloadAll(t *testing.T) {
	var calls int32
	srv := klineServer(t, 2, &calls)
	defer srv.Close()

	d := NewKlineDownloader(srv.URL, zap.NewNop())
	files, err := d.DownloadAll(context.Background(), []string{"BTCUSDT"}, "1h", t.TempDir(), t0, t0.Add(48*time.Hour))
	require.NoError(t, err)
	require.Contains(t, files, "BTCUSDT")
	assert.Contains(t, files["BTCUSDT"], "BTCUSDT-1h-2024-01-01-2024-01-03.csv")
}

func TestDownloadKlines_Empty(t *testing.T) {
	var calls int32
	srv := klineServer(t, 0, &calls)
	defer srv.Close()

	d := NewKlineDownloader(srv.URL, zap.NewNop())
	path := filepath.Join(t.TempDir(), "x.csv")
	err := d.DownloadKlines(context.Background(), "BTCUSDT", "1h", path, t0, t0.Add(time.Hour))
	assert.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetch_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer srv.Close()

	_, err := NewKlineDownloader(srv.URL, zap.NewNop()).Fetch(context.Background(), "NOPE", "1h", t0, t0.Add(time.Hour))
	assert.Error(t, err)
}
