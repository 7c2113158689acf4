package store

// RequiredTables must exist before an invocation does any work.
var RequiredTables = []string{"risk_ledger", "ledger_trades", "positions", "symbol_locks"}

const Schema = `
CREATE TABLE IF NOT EXISTS risk_ledger (
	id TEXT PRIMARY KEY,
	total_risk_in_use REAL NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_trades (
	symbol TEXT PRIMARY KEY,
	trade_id TEXT NOT NULL,
	risk REAL NOT NULL,
	entry_price REAL NOT NULL,
	quantity REAL NOT NULL,
	direction TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT PRIMARY KEY,
	trade_id TEXT NOT NULL,
	direction TEXT NOT NULL,
	asset_class TEXT NOT NULL,
	entry_price REAL NOT NULL,
	quantity REAL NOT NULL,
	leverage INTEGER NOT NULL,
	stop_loss REAL NOT NULL,
	take_profit REAL NOT NULL,
	risk_dollars REAL NOT NULL,
	estimated TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	opened_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS symbol_locks (
	symbol TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`
