package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/ethpulse/internal/domain"
)

// ErrNotFound aliases the domain sentinel so callers may match either.
var ErrNotFound = domain.ErrNotFound

// SQLiteStore implements domain.MarketDataRepository and domain.RunRepository.
// Times are stored as unix milliseconds in UTC.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			open_time INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			taker_buy_volume REAL,
			PRIMARY KEY (symbol, interval, open_time)
		);`,
		`CREATE TABLE IF NOT EXISTS funding (
			symbol TEXT NOT NULL,
			time INTEGER NOT NULL,
			rate REAL NOT NULL,
			PRIMARY KEY (symbol, time)
		);`,
		`CREATE TABLE IF NOT EXISTS open_interest (
			symbol TEXT NOT NULL,
			time INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (symbol, time)
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			from_time INTEGER NOT NULL,
			to_time INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			pivot_mode TEXT NOT NULL,
			params TEXT NOT NULL,
			simulation TEXT NOT NULL,
			report TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);`,
		`CREATE TABLE IF NOT EXISTS run_trades (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			side TEXT NOT NULL,
			entry_price REAL NOT NULL,
			entry_time INTEGER NOT NULL,
			exit_price REAL NOT NULL,
			exit_time INTEGER NOT NULL,
			stop_price REAL NOT NULL,
			take_profit_price REAL NOT NULL,
			pnl REAL NOT NULL,
			exit_reason TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS equity_points (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			time INTEGER NOT NULL,
			equity REAL NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// upperBound maps a zero "to" onto an open range.
// nullableFloat stores NaN as NULL.
func nullableFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func upperBound(to time.Time) int64 {
	if to.IsZero() {
		return 1<<63 - 1
	}
	return toMillis(to)
}

// inTx runs fn inside a transaction and commits when it returns nil.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// MarketDataRepository Implementation

func (s *SQLiteStore) SaveBars(ctx context.Context, symbol, interval string, bars []domain.Bar) error {
	query := `INSERT INTO bars (symbol, interval, open_time, open, high, low, close, volume, taker_buy_volume)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(symbol, interval, open_time) DO UPDATE SET
			  open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
			  volume=excluded.volume, taker_buy_volume=excluded.taker_buy_volume`
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, symbol, interval, toMillis(b.Time),
				b.Open, b.High, b.Low, b.Close, b.Volume, nullableFloat(b.TakerBuyVolume)); err != nil {
				return fmt.Errorf("insert bar %s: %w", b.Time.Format(time.RFC3339), err)
			}
		}
		return nil
	})
}

// LoadBars returns bars with open time in [from, to) in ascending order. A
// zero to is unbounded.
func (s *SQLiteStore) LoadBars(ctx context.Context, symbol, interval string, from, to time.Time) ([]domain.Bar, error) {
	query := `SELECT open_time, open, high, low, close, volume, taker_buy_volume FROM bars
			  WHERE symbol = ? AND interval = ? AND open_time >= ? AND open_time < ?
			  ORDER BY open_time`
	rows, err := s.db.QueryContext(ctx, query, symbol, interval, toMillis(from), upperBound(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		var ts int64
		var takerBuy sql.NullFloat64
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &takerBuy); err != nil {
			return nil, err
		}
		b.Time = fromMillis(ts)
		b.TakerBuyVolume = math.NaN()
		if takerBuy.Valid {
			b.TakerBuyVolume = takerBuy.Float64
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func (s *SQLiteStore) LastBarTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(open_time) FROM bars WHERE symbol = ? AND interval = ?`,
		symbol, interval).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, ErrNotFound
	}
	return fromMillis(ts.Int64), nil
}

func (s *SQLiteStore) SaveFunding(ctx context.Context, symbol string, points []domain.SeriesPoint) error {
	return s.saveSeries(ctx, `INSERT INTO funding (symbol, time, rate) VALUES (?, ?, ?)
			  ON CONFLICT(symbol, time) DO UPDATE SET rate=excluded.rate`, symbol, points)
}

func (s *SQLiteStore) LoadFunding(ctx context.Context, symbol string, from, to time.Time) ([]domain.SeriesPoint, error) {
	return s.loadSeries(ctx, `SELECT time, rate FROM funding
			  WHERE symbol = ? AND time >= ? AND time < ? ORDER BY time`, symbol, from, to)
}

func (s *SQLiteStore) SaveOpenInterest(ctx context.Context, symbol string, points []domain.SeriesPoint) error {
	return s.saveSeries(ctx, `INSERT INTO open_interest (symbol, time, value) VALUES (?, ?, ?)
			  ON CONFLICT(symbol, time) DO UPDATE SET value=excluded.value`, symbol, points)
}

func (s *SQLiteStore) LoadOpenInterest(ctx context.Context, symbol string, from, to time.Time) ([]domain.SeriesPoint, error) {
	return s.loadSeries(ctx, `SELECT time, value FROM open_interest
			  WHERE symbol = ? AND time >= ? AND time < ? ORDER BY time`, symbol, from, to)
}

func (s *SQLiteStore) saveSeries(ctx context.Context, query, symbol string, points []domain.SeriesPoint) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, symbol, toMillis(p.Time), p.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) loadSeries(ctx context.Context, query, symbol string, from, to time.Time) ([]domain.SeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx, query, symbol, toMillis(from), upperBound(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SeriesPoint
	for rows.Next() {
		var ts int64
		var p domain.SeriesPoint
		if err := rows.Scan(&ts, &p.Value); err != nil {
			return nil, err
		}
		p.Time = fromMillis(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RunRepository Implementation

func (s *SQLiteStore) SaveRun(ctx context.Context, run *domain.Run, trades []domain.Trade, equity []domain.EquityPoint) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	sim, err := json.Marshal(run.Simulation)
	if err != nil {
		return fmt.Errorf("encode simulation: %w", err)
	}
	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO runs (id, symbol, timeframe, from_time, to_time, created_at, pivot_mode, params, simulation, report)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Symbol, run.Timeframe, toMillis(run.From), toMillis(run.To), toMillis(run.CreatedAt),
			string(run.PivotMode), string(params), string(sim), string(report))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		tradeStmt, err := tx.PrepareContext(ctx, `INSERT INTO run_trades (run_id, seq, side, entry_price, entry_time, exit_price, exit_time, stop_price, take_profit_price, pnl, exit_reason)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer tradeStmt.Close()
		for i, t := range trades {
			if _, err := tradeStmt.ExecContext(ctx, run.ID, i, string(t.Side), t.EntryPrice, toMillis(t.EntryTime),
				t.ExitPrice, toMillis(t.ExitTime), t.StopPrice, t.TakeProfitPrice, t.PnL, string(t.ExitReason)); err != nil {
				return fmt.Errorf("insert trade %d: %w", i, err)
			}
		}

		eqStmt, err := tx.PrepareContext(ctx, `INSERT INTO equity_points (run_id, seq, time, equity) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer eqStmt.Close()
		for i, p := range equity {
			if _, err := eqStmt.ExecContext(ctx, run.ID, i, toMillis(p.Time), p.Equity); err != nil {
				return fmt.Errorf("insert equity point %d: %w", i, err)
			}
		}
		return nil
	})
}

const runColumns = `id, symbol, timeframe, from_time, to_time, created_at, pivot_mode, params, simulation, report`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var r domain.Run
	var from, to, created int64
	var pivot, params, sim, report string
	if err := row.Scan(&r.ID, &r.Symbol, &r.Timeframe, &from, &to, &created, &pivot, &params, &sim, &report); err != nil {
		return nil, err
	}
	r.From, r.To, r.CreatedAt = fromMillis(from), fromMillis(to), fromMillis(created)
	r.PivotMode = domain.PivotMode(pivot)
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("decode params of run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(sim), &r.Simulation); err != nil {
		return nil, fmt.Errorf("decode simulation of run %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(report), &r.Report); err != nil {
		return nil, fmt.Errorf("decode report of run %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) ListRunTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	query := `SELECT side, entry_price, entry_time, exit_price, exit_time, stop_price, take_profit_price, pnl, exit_reason
			  FROM run_trades WHERE run_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []domain.Trade{}
	for rows.Next() {
		var t domain.Trade
		var side, reason string
		var entry, exit int64
		if err := rows.Scan(&side, &t.EntryPrice, &entry, &t.ExitPrice, &exit, &t.StopPrice, &t.TakeProfitPrice, &t.PnL, &reason); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		t.EntryTime, t.ExitTime = fromMillis(entry), fromMillis(exit)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) ListRunEquity(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT time, equity FROM equity_points WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []domain.EquityPoint{}
	for rows.Next() {
		var p domain.EquityPoint
		var ts int64
		if err := rows.Scan(&ts, &p.Equity); err != nil {
			return nil, err
		}
		p.Time = fromMillis(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}
