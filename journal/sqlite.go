package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/metrics"
	"github.com/rustyeddy/strategylab/session"
)

// equityLimit is how many of the latest equity samples a restored session
// gets back.
const equityLimit = 20000

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer; sessions persist from many goroutines
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

// SaveSession upserts a session. A save whose revision is not newer than
// the stored one is ignored.
func (j *SQLite) SaveSession(ctx context.Context, snap session.Snapshot, ledger session.LedgerState) error {
	sb, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	lb, err := json.Marshal(ledger)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, revision, status, created_at, snapshot, ledger)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			revision = excluded.revision,
			status = excluded.status,
			snapshot = excluded.snapshot,
			ledger = excluded.ledger
		WHERE excluded.revision > sessions.revision`,
		snap.ID, snap.Revision, string(snap.Status), snap.CreatedAt, string(sb), string(lb),
	)
	return err
}

func (j *SQLite) RecordTrade(ctx context.Context, sessionID string, t session.Trade) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trades
		(session_id, trade_id, instrument, units, open_price, close_price, open_time, close_time, realized_pl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, t.ID, t.Instrument, t.Units, t.OpenPrice,
		t.ClosePrice, t.OpenTime, t.CloseTime, t.RealizedPL,
	)
	return err
}

func (j *SQLite) RecordEquity(ctx context.Context, sessionID string, p metrics.EquityPoint) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO equity (session_id, time, equity) VALUES (?, ?, ?)`,
		sessionID, p.Time, p.Equity,
	)
	return err
}

// DeleteSession removes a session with its trades and equity curve.
func (j *SQLite) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM trades WHERE session_id = ?`,
		`DELETE FROM equity WHERE session_id = ?`,
		`DELETE FROM sessions WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadSessions returns every stored session in creation order.
func (j *SQLite) LoadSessions(ctx context.Context) ([]session.Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, snapshot, ledger
		FROM sessions
		ORDER BY created_at ASC, session_id ASC`)
	if err != nil {
		return nil, err
	}

	type stored struct{ id, snap, ledger string }
	var all []stored
	for rows.Next() {
		var s stored
		if err := rows.Scan(&s.id, &s.snap, &s.ledger); err != nil {
			rows.Close()
			return nil, err
		}
		all = append(all, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]session.Record, 0, len(all))
	for _, s := range all {
		var rec session.Record
		if err := json.Unmarshal([]byte(s.snap), &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("session %s snapshot: %w", s.id, err)
		}
		if err := json.Unmarshal([]byte(s.ledger), &rec.Ledger); err != nil {
			return nil, fmt.Errorf("session %s ledger: %w", s.id, err)
		}
		if rec.Closed, err = j.ListTrades(ctx, s.id); err != nil {
			return nil, err
		}
		if rec.Equity, err = j.latestEquity(ctx, s.id, equityLimit); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListTrades returns a session's closed trades ordered by close time.
func (j *SQLite) ListTrades(ctx context.Context, sessionID string) ([]session.Trade, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT trade_id, instrument, units, open_price, close_price, open_time, close_time, realized_pl
		FROM trades
		WHERE session_id = ?
		ORDER BY close_time ASC, trade_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Trade
	for rows.Next() {
		var (
			t          session.Trade
			closePrice sql.NullFloat64
			closeTime  sql.NullTime
		)
		if err := rows.Scan(
			&t.ID,
			&t.Instrument,
			&t.Units,
			&t.OpenPrice,
			&closePrice,
			&t.OpenTime,
			&closeTime,
			&t.RealizedPL,
		); err != nil {
			return nil, err
		}
		if closePrice.Valid {
			p := closePrice.Float64
			t.ClosePrice = &p
		}
		if closeTime.Valid {
			ct := closeTime.Time
			t.CloseTime = &ct
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListEquity returns a session's equity samples within [start, end).
func (j *SQLite) ListEquity(ctx context.Context, sessionID string, start, end time.Time) ([]metrics.EquityPoint, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT time, equity
		FROM equity
		WHERE session_id = ? AND time >= ? AND time < ?
		ORDER BY time ASC`, sessionID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEquity(rows)
}

func (j *SQLite) latestEquity(ctx context.Context, sessionID string, limit int) ([]metrics.EquityPoint, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT time, equity FROM (
			SELECT time, equity FROM equity
			WHERE session_id = ?
			ORDER BY time DESC
			LIMIT ?
		) ORDER BY time ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEquity(rows)
}

func scanEquity(rows *sql.Rows) ([]metrics.EquityPoint, error) {
	var out []metrics.EquityPoint
	for rows.Next() {
		var p metrics.EquityPoint
		if err := rows.Scan(&p.Time, &p.Equity); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordBacktest stores the summary of a backtest run.
func (j *SQLite) RecordBacktest(ctx context.Context, run BacktestRun) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return err
	}
	report, err := json.Marshal(run.Report)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
		(run_id, created_at, strategy, instrument, granularity, params, candles, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Created, run.Strategy, run.Instrument, run.Granularity,
		string(params), run.Candles, string(report),
	)
	return err
}

func (j *SQLite) GetBacktest(ctx context.Context, runID string) (BacktestRun, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT run_id, created_at, strategy, instrument, granularity, params, candles, report
		FROM backtest_runs
		WHERE run_id = ?`, runID)
	run, err := scanBacktest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BacktestRun{}, errs.NotFoundf("backtest run %q not found", runID)
	}
	return run, err
}

// ListBacktests returns the most recent runs first.
func (j *SQLite) ListBacktests(ctx context.Context, limit int) ([]BacktestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, created_at, strategy, instrument, granularity, params, candles, report
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BacktestRun
	for rows.Next() {
		run, err := scanBacktest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBacktest(s scanner) (BacktestRun, error) {
	var (
		run            BacktestRun
		params, report string
	)
	if err := s.Scan(
		&run.RunID,
		&run.Created,
		&run.Strategy,
		&run.Instrument,
		&run.Granularity,
		&params,
		&run.Candles,
		&report,
	); err != nil {
		return BacktestRun{}, err
	}
	if err := json.Unmarshal([]byte(params), &run.Params); err != nil {
		return BacktestRun{}, err
	}
	if err := json.Unmarshal([]byte(report), &run.Report); err != nil {
		return BacktestRun{}, err
	}
	return run, nil
}
