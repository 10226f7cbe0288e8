// Package store provides the SQLite trade journal.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"trade-connector/internal/models"
)

// SQLiteStore persists tracked positions, closed trades, per-symbol stats
// and emitted signals.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the journal at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Positions opened by the trader and not yet reconciled
	CREATE TABLE IF NOT EXISTS tracked_positions (
		ticket INTEGER PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		volume TEXT NOT NULL,
		open_price TEXT NOT NULL,
		open_time DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Reconciled positions with realised profit
	CREATE TABLE IF NOT EXISTS closed_trades (
		ticket INTEGER PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		volume TEXT NOT NULL,
		open_price TEXT NOT NULL,
		open_time DATETIME NOT NULL,
		close_time DATETIME NOT NULL,
		profit TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Running per-symbol counters
	CREATE TABLE IF NOT EXISTS trade_stats (
		symbol TEXT PRIMARY KEY,
		total_trades INTEGER NOT NULL DEFAULT 0,
		winning_trades INTEGER NOT NULL DEFAULT 0,
		losing_trades INTEGER NOT NULL DEFAULT 0,
		total_profit TEXT NOT NULL DEFAULT '0',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Every prediction the loop acted on or held
	CREATE TABLE IF NOT EXISTS signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		signal TEXT NOT NULL,
		confidence REAL NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_closed_trades_close_time ON closed_trades(close_time);
	CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol);
	CREATE INDEX IF NOT EXISTS idx_signals_timestamp ON signals(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Tracked Positions
// ============================================================================

// SaveTrackedPosition inserts or replaces a tracked position.
func (s *SQLiteStore) SaveTrackedPosition(ctx context.Context, pos models.TrackedPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tracked_positions (ticket, symbol, side, volume, open_price, open_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, pos.Ticket, pos.Symbol, string(pos.Side), decimalString(pos.Volume), decimalString(pos.OpenPrice), pos.OpenTime.UTC())
	if err != nil {
		return fmt.Errorf("failed to save tracked position %d: %w", pos.Ticket, err)
	}
	return nil
}

// DeleteTrackedPosition removes a tracked position. Deleting an unknown
// ticket is not an error.
func (s *SQLiteStore) DeleteTrackedPosition(ctx context.Context, ticket int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tracked_positions WHERE ticket = ?`, ticket); err != nil {
		return fmt.Errorf("failed to delete tracked position %d: %w", ticket, err)
	}
	return nil
}

// LoadTrackedPositions returns all tracked positions ordered by ticket.
func (s *SQLiteStore) LoadTrackedPositions(ctx context.Context) ([]models.TrackedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket, symbol, side, volume, open_price, open_time
		FROM tracked_positions
		ORDER BY ticket ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracked positions: %w", err)
	}
	defer rows.Close()

	var positions []models.TrackedPosition
	for rows.Next() {
		var (
			p                 models.TrackedPosition
			side              string
			volume, openPrice string
		)
		if err := rows.Scan(&p.Ticket, &p.Symbol, &side, &volume, &openPrice, &p.OpenTime); err != nil {
			return nil, fmt.Errorf("failed to scan tracked position: %w", err)
		}
		if p.Side, err = models.ParseSide(side); err != nil {
			return nil, fmt.Errorf("tracked position %d: %w", p.Ticket, err)
		}
		if p.Volume, err = parseDecimal(volume); err != nil {
			return nil, fmt.Errorf("tracked position %d volume: %w", p.Ticket, err)
		}
		if p.OpenPrice, err = parseDecimal(openPrice); err != nil {
			return nil, fmt.Errorf("tracked position %d open price: %w", p.Ticket, err)
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked positions: %w", err)
	}

	return positions, nil
}

// ============================================================================
// Closed Trades
// ============================================================================

// RecordClosedTrade stores a reconciled trade and drops its tracked row in
// one transaction.
func (s *SQLiteStore) RecordClosedTrade(ctx context.Context, trade models.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO closed_trades (ticket, symbol, side, volume, open_price, open_time, close_time, profit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.Ticket, trade.Symbol, string(trade.Side), decimalString(trade.Volume), decimalString(trade.OpenPrice),
		trade.OpenTime.UTC(), trade.CloseTime.UTC(), decimalString(trade.Profit))
	if err != nil {
		return fmt.Errorf("failed to record closed trade %d: %w", trade.Ticket, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_positions WHERE ticket = ?`, trade.Ticket); err != nil {
		return fmt.Errorf("failed to delete tracked position %d: %w", trade.Ticket, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TradeFilter narrows ClosedTrades.
type TradeFilter struct {
	Symbol string
	Since  time.Time
	Limit  int
}

// ClosedTrades returns closed trades, newest first.
func (s *SQLiteStore) ClosedTrades(ctx context.Context, filter TradeFilter) ([]models.ClosedTrade, error) {
	query := "SELECT ticket, symbol, side, volume, open_price, open_time, close_time, profit FROM closed_trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		query += " AND close_time >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY close_time DESC, ticket DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	var trades []models.ClosedTrade
	for rows.Next() {
		var (
			t                         models.ClosedTrade
			side                      string
			volume, openPrice, profit string
		)
		if err := rows.Scan(&t.Ticket, &t.Symbol, &side, &volume, &openPrice, &t.OpenTime, &t.CloseTime, &profit); err != nil {
			return nil, fmt.Errorf("failed to scan closed trade: %w", err)
		}
		if t.Side, err = models.ParseSide(side); err != nil {
			return nil, fmt.Errorf("closed trade %d: %w", t.Ticket, err)
		}
		if t.Volume, err = parseDecimal(volume); err != nil {
			return nil, fmt.Errorf("closed trade %d volume: %w", t.Ticket, err)
		}
		if t.OpenPrice, err = parseDecimal(openPrice); err != nil {
			return nil, fmt.Errorf("closed trade %d open price: %w", t.Ticket, err)
		}
		if t.Profit, err = parseDecimal(profit); err != nil {
			return nil, fmt.Errorf("closed trade %d profit: %w", t.Ticket, err)
		}
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closed trades: %w", err)
	}

	return trades, nil
}

// TotalProfit sums the profit of every closed trade for symbol (all symbols
// when empty) without float rounding.
func (s *SQLiteStore) TotalProfit(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := "SELECT profit FROM closed_trades"
	args := []interface{}{}
	if symbol != "" {
		query += " WHERE symbol = ?"
		args = append(args, symbol)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query profits: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan profit: %w", err)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid profit %q: %w", raw, err)
		}
		total = total.Add(d)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error iterating profits: %w", err)
	}
	return total, nil
}

// ============================================================================
// Trade Stats
// ============================================================================

// SaveStats upserts the counters for symbol.
func (s *SQLiteStore) SaveStats(ctx context.Context, symbol string, stats models.TradeStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_stats (symbol, total_trades, winning_trades, losing_trades, total_profit, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			total_trades = excluded.total_trades,
			winning_trades = excluded.winning_trades,
			losing_trades = excluded.losing_trades,
			total_profit = excluded.total_profit,
			updated_at = CURRENT_TIMESTAMP
	`, symbol, stats.TotalTrades, stats.WinningTrades, stats.LosingTrades, decimalString(stats.TotalProfit))
	if err != nil {
		return fmt.Errorf("failed to save stats for %s: %w", symbol, err)
	}
	return nil
}

// LoadStats returns the saved counters keyed by symbol.
func (s *SQLiteStore) LoadStats(ctx context.Context) (map[string]models.TradeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, total_trades, winning_trades, losing_trades, total_profit
		FROM trade_stats
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]models.TradeStats)
	for rows.Next() {
		var (
			symbol string
			st     models.TradeStats
			profit string
		)
		if err := rows.Scan(&symbol, &st.TotalTrades, &st.WinningTrades, &st.LosingTrades, &profit); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		if st.TotalProfit, err = parseDecimal(profit); err != nil {
			return nil, fmt.Errorf("stats %s profit: %w", symbol, err)
		}
		stats[symbol] = st
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}

	return stats, nil
}

// ============================================================================
// Signals
// ============================================================================

// SignalRecord is one journaled prediction.
type SignalRecord struct {
	Symbol     string
	Signal     models.Signal
	Confidence float64
	Time       time.Time
}

// RecordSignal appends a prediction to the signal log.
func (s *SQLiteStore) RecordSignal(ctx context.Context, symbol string, signal models.Signal, confidence float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (symbol, signal, confidence, timestamp)
		VALUES (?, ?, ?, ?)
	`, symbol, string(signal), confidence, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record signal: %w", err)
	}
	return nil
}

// RecentSignals returns up to limit signals for symbol, newest first.
func (s *SQLiteStore) RecentSignals(ctx context.Context, symbol string, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, signal, confidence, timestamp
		FROM signals
		WHERE symbol = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var records []SignalRecord
	for rows.Next() {
		var r SignalRecord
		var signal string
		if err := rows.Scan(&r.Symbol, &signal, &r.Confidence, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		r.Signal = models.Signal(signal)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}

	return records, nil
}

func decimalString(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseDecimal(raw string) (float64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
