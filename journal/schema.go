package journal

const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	created DATETIME NOT NULL,
	strategy TEXT NOT NULL,
	symbol TEXT NOT NULL,
	params BLOB,
	seed INTEGER NOT NULL,
	data_hash TEXT NOT NULL,
	start DATETIME NOT NULL,
	end DATETIME NOT NULL,
	bars INTEGER NOT NULL,
	trades INTEGER NOT NULL,
	liquidations INTEGER NOT NULL,
	start_balance REAL NOT NULL,
	end_balance REAL NOT NULL,
	net_pnl REAL NOT NULL,
	return_pct REAL NOT NULL,
	max_drawdown REAL NOT NULL,
	sharpe REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	fee REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	liquidation INTEGER NOT NULL,
	reason TEXT NOT NULL,
	time DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS equity (
	run_id TEXT NOT NULL,
	time DATETIME NOT NULL,
	balance REAL NOT NULL,
	equity REAL NOT NULL,
	used_margin REAL NOT NULL,
	available_margin REAL NOT NULL,
	unrealized_pnl REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS audits (
	run_id TEXT NOT NULL,
	bar_index INTEGER NOT NULL,
	time DATETIME NOT NULL,
	event TEXT NOT NULL,
	detail TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id, time);
CREATE INDEX IF NOT EXISTS idx_equity_run ON equity(run_id, time);
CREATE INDEX IF NOT EXISTS idx_audits_run ON audits(run_id, bar_index);
`
