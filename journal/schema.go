// journal/schema.go
package journal

var Tables = []string{"trades", "skips"}

const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	origin TEXT NOT NULL,
	entry_price REAL NOT NULL,
	size REAL NOT NULL,
	cost REAL NOT NULL,
	take_profit REAL NOT NULL,
	stop_loss REAL NOT NULL,
	leverage INTEGER NOT NULL,
	opened_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	exit_price REAL NOT NULL DEFAULT 0,
	pnl REAL NOT NULL DEFAULT 0,
	exit_reason TEXT NOT NULL DEFAULT '',
	closed_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);

CREATE TABLE IF NOT EXISTS skips (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	reason TEXT NOT NULL,
	detail TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_skips_expires_at ON skips(expires_at);
`
