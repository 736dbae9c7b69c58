package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver

	"pairs-arb-go/internal/models"
)

// SQLiteRepository 把状态文档保存在单行表中，同时把每笔成交追加到 trades 表。
// 状态文档中的成交只保留尾部，trades 表保留完整的成交日志。
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database and its tables.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := initDB(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteRepository{db: db}, nil
}

// initDB initializes the database connection and creates necessary tables.
func initDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单写者，避免 database is locked
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// engine_state 只有一行
	createStateTableSQL := `
	CREATE TABLE IF NOT EXISTS engine_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version TEXT NOT NULL,
		run_id TEXT NOT NULL,
		saved_at DATETIME NOT NULL,
		document TEXT NOT NULL
	);`
	if _, err := db.Exec(createStateTableSQL); err != nil {
		return err
	}

	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		value REAL NOT NULL,
		pair TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		commission REAL NOT NULL
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades (pair, timestamp);`)
	return err
}

// SaveState 在一个事务中覆盖状态文档并追加新成交
func (r *SQLiteRepository) SaveState(state *models.EngineState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin: %v", models.ErrPersistenceWrite, err)
	}
	defer tx.Rollback() // Rollback on any error

	upsertSQL := `
	INSERT INTO engine_state (id, version, run_id, saved_at, document)
	VALUES (1, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		version = excluded.version,
		run_id = excluded.run_id,
		saved_at = excluded.saved_at,
		document = excluded.document;`
	version := state.Version
	if version == "" {
		version = models.StateVersion
	}
	if _, err := tx.Exec(upsertSQL, version, state.RunID, state.SavedAt.UTC(), string(data)); err != nil {
		return fmt.Errorf("%w: failed to save engine state: %v", models.ErrPersistenceWrite, err)
	}

	stmt, err := tx.Prepare(`
	INSERT OR IGNORE INTO trades (id, run_id, timestamp, symbol, side, quantity, price, value, pair, signal_type, commission)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: prepare: %v", models.ErrPersistenceWrite, err)
	}
	defer stmt.Close()
	for _, t := range state.Trades {
		if _, err := stmt.Exec(t.ID, state.RunID, t.Timestamp.UnixMilli(), t.Symbol, string(t.Side),
			t.Quantity, t.Price, t.Value, t.Pair.Key(), string(t.SignalType), t.Commission); err != nil {
			return fmt.Errorf("%w: failed to insert trade %s: %v", models.ErrPersistenceWrite, t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", models.ErrPersistenceWrite, err)
	}
	return nil
}

// LoadState returns (nil, nil) when no state row exists.
func (r *SQLiteRepository) LoadState() (*models.EngineState, error) {
	var document string
	err := r.db.QueryRow(`SELECT document FROM engine_state WHERE id = 1;`).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistenceLoad, err)
	}
	return decodeState([]byte(document))
}

// Trades 返回完整的成交日志，按时间排序。pair 为空时返回所有交易对。
func (r *SQLiteRepository) Trades(pair string) ([]models.Trade, error) {
	query := `
	SELECT id, timestamp, symbol, side, quantity, price, value, pair, signal_type, commission
	FROM trades`
	var args []interface{}
	if pair != "" {
		query += ` WHERE pair = ?`
		args = append(args, pair)
	}
	query += ` ORDER BY timestamp, rowid`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var ts int64
		var side, pairKey, signalType string
		if err := rows.Scan(&t.ID, &ts, &t.Symbol, &side, &t.Quantity, &t.Price, &t.Value, &pairKey, &signalType, &t.Commission); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		pk, err := models.ParsePairKey(pairKey)
		if err != nil {
			return nil, err
		}
		t.Timestamp = time.UnixMilli(ts).UTC()
		t.Side = models.Side(side)
		t.Pair = pk
		t.SignalType = models.SignalType(signalType)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
