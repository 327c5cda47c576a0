package journal

const Schema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	source TEXT NOT NULL,
	payload TEXT NOT NULL,
	instrument_raw TEXT NOT NULL,
	instrument TEXT NOT NULL,
	direction TEXT NOT NULL,
	decision TEXT NOT NULL,
	code TEXT NOT NULL,
	reason TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	broker_trade_id TEXT NOT NULL,
	units INTEGER NOT NULL,
	entry_price TEXT,
	filled_price TEXT,
	stop_loss TEXT,
	take_profit TEXT,
	risk_amount TEXT,
	received_at TEXT NOT NULL,
	decided_at TEXT NOT NULL,
	filled_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_entries_received ON entries(received_at);
CREATE INDEX IF NOT EXISTS idx_entries_instrument ON entries(instrument);
CREATE INDEX IF NOT EXISTS idx_entries_signal ON entries(signal_id);

CREATE TRIGGER IF NOT EXISTS entries_no_update BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS entries_no_delete BEFORE DELETE ON entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only');
END;
`
