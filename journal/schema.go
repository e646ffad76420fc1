package journal

const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	revision INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	snapshot TEXT NOT NULL,
	ledger TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	session_id TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	units REAL NOT NULL,
	open_price REAL NOT NULL,
	close_price REAL,
	open_time DATETIME NOT NULL,
	close_time DATETIME,
	realized_pl REAL NOT NULL,
	PRIMARY KEY (session_id, trade_id)
);

CREATE TABLE IF NOT EXISTS equity (
	session_id TEXT NOT NULL,
	time DATETIME NOT NULL,
	equity REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_equity_session_time ON equity(session_id, time);

CREATE TABLE IF NOT EXISTS backtest_runs (
	run_id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	strategy TEXT NOT NULL,
	instrument TEXT NOT NULL,
	granularity TEXT NOT NULL,
	params TEXT NOT NULL,
	candles INTEGER NOT NULL,
	report TEXT NOT NULL
);
`
