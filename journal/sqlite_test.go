package journal

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/metrics"
	"github.com/rustyeddy/strategylab/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	j, err := NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j, path
}

func testSnapshot(id string, rev uint64, status session.Status, created time.Time) session.Snapshot {
	return session.Snapshot{
		ID:              id,
		AccountID:       "acct-1",
		StrategyName:    "mean_reversion",
		StrategyParams:  map[string]any{"w_fast": 20, "w_slow": 50},
		Instrument:      "EUR_USD",
		Granularity:     "M15",
		Status:          status,
		InitialBalance:  10000,
		Positions:       map[string]session.Position{},
		MaxPositionSize: 1000,
		MaxDailyLoss:    1000,
		CreatedAt:       created,
		Revision:        rev,
	}
}

func TestSQLiteSchemaCreated(t *testing.T) {
	t.Parallel()

	j, path := newTestSQLite(t)
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table'`)
	require.NoError(t, err)
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		found[name] = true
	}
	require.NoError(t, rows.Err())

	for _, name := range []string{"sessions", "trades", "equity", "backtest_runs"} {
		assert.True(t, found[name], name)
	}
}

func TestSQLiteSaveSessionKeepsNewestRevision(t *testing.T) {
	t.Parallel()
	j, _ := newTestSQLite(t)
	created := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, j.SaveSession(ctx, testSnapshot("s1", 5, session.Running, created), session.LedgerState{Realized: 12}))
	require.NoError(t, j.SaveSession(ctx, testSnapshot("s1", 3, session.Stopped, created), session.LedgerState{}))

	recs, err := j.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(5), recs[0].Snapshot.Revision)
	assert.Equal(t, session.Running, recs[0].Snapshot.Status)
	assert.Equal(t, 12.0, recs[0].Ledger.Realized)

	require.NoError(t, j.SaveSession(ctx, testSnapshot("s1", 6, session.Paused, created), session.LedgerState{}))
	recs, err = j.LoadSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Paused, recs[0].Snapshot.Status)
}

func TestSQLiteLoadSessionsWithHistory(t *testing.T) {
	t.Parallel()
	j, _ := newTestSQLite(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.SaveSession(ctx, testSnapshot("later", 1, session.Stopped, base.Add(time.Hour)), session.LedgerState{}))
	require.NoError(t, j.SaveSession(ctx, testSnapshot("first", 1, session.Stopped, base), session.LedgerState{
		Positions: []session.Position{{Instrument: "EUR_USD", Units: 10, AvgPrice: 1.1}},
		Marks:     map[string]float64{"EUR_USD": 1.2},
	}))

	closeT := base.Add(30 * time.Minute)
	closePx := 1.2
	require.NoError(t, j.RecordTrade(ctx, "first", session.Trade{
		ID: "t1", Instrument: "EUR_USD", Units: 10,
		OpenTime: base, OpenPrice: 1.1,
		CloseTime: &closeT, ClosePrice: &closePx, RealizedPL: 1,
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, j.RecordEquity(ctx, "first", metrics.EquityPoint{
			Time: base.Add(time.Duration(i) * time.Minute), Equity: 10000 + float64(i),
		}))
	}

	recs, err := j.LoadSessions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "first", recs[0].Snapshot.ID)
	assert.Equal(t, "later", recs[1].Snapshot.ID)

	first := recs[0]
	assert.Equal(t, 10.0, first.Ledger.Positions[0].Units)
	require.Len(t, first.Closed, 1)
	tr := first.Closed[0]
	assert.Equal(t, "t1", tr.ID)
	require.NotNil(t, tr.CloseTime)
	assert.True(t, closeT.Equal(*tr.CloseTime))
	require.NotNil(t, tr.ClosePrice)
	assert.Equal(t, 1.2, *tr.ClosePrice)

	require.Len(t, first.Equity, 3)
	assert.True(t, base.Equal(first.Equity[0].Time))
	assert.Equal(t, 10002.0, first.Equity[2].Equity)

	window, err := j.ListEquity(ctx, "first", base.Add(time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestSQLiteDeleteSession(t *testing.T) {
	t.Parallel()
	j, _ := newTestSQLite(t)
	now := time.Now().UTC()

	require.NoError(t, j.SaveSession(ctx, testSnapshot("s1", 1, session.Stopped, now), session.LedgerState{}))
	require.NoError(t, j.RecordEquity(ctx, "s1", metrics.EquityPoint{Time: now, Equity: 1}))
	require.NoError(t, j.DeleteSession(ctx, "s1"))

	recs, err := j.LoadSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	eq, err := j.ListEquity(ctx, "s1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, eq)
}

func TestSQLiteBacktestRuns(t *testing.T) {
	t.Parallel()
	j, _ := newTestSQLite(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2"} {
		require.NoError(t, j.RecordBacktest(ctx, BacktestRun{
			RunID:       id,
			Created:     base.Add(time.Duration(i) * time.Hour),
			Strategy:    "donchian_breakout",
			Instrument:  "EUR_USD",
			Granularity: "M5",
			Params:      map[string]any{"window": 20},
			Candles:     500,
			Report:      metrics.Report{metrics.ProfitFactor: math.Inf(1), metrics.NetPnL: 12.5},
		}))
	}

	runs, err := j.ListBacktests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID)

	got, err := j.GetBacktest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 500, got.Candles)
	assert.Equal(t, 20.0, got.Params["window"])
	assert.True(t, math.IsInf(got.Report[metrics.ProfitFactor], 1))
	assert.Equal(t, 12.5, got.Report[metrics.NetPnL])

	_, err = j.GetBacktest(ctx, "nope")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestSQLiteBacksSessionRestore(t *testing.T) {
	t.Parallel()
	j, _ := newTestSQLite(t)
	created := time.Now().UTC()

	require.NoError(t, j.SaveSession(ctx, testSnapshot("live", 4, session.Running, created), session.LedgerState{}))

	reg := session.NewRegistry(session.Options{Store: j})
	t.Cleanup(reg.Close)
	n, err := reg.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := reg.Get("live")
	require.NoError(t, err)
	assert.Equal(t, session.Error, snap.Status)
	require.NotNil(t, snap.ErrorMessage)
	assert.Equal(t, session.RestartMessage, *snap.ErrorMessage)
	assert.Greater(t, snap.Revision, uint64(4))

	recs, err := j.LoadSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.Error, recs[0].Snapshot.Status)
}
