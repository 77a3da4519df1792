package db

import (
	"database/sql"
	"fmt"
)

// Decimal columns are TEXT so values round-trip exactly.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trader_accounts (
    user_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    tier TEXT NOT NULL DEFAULT 'basic',
    exchange TEXT NOT NULL DEFAULT 'bybit',
    environment TEXT NOT NULL DEFAULT 'testnet',
    position_pct TEXT NOT NULL DEFAULT '0.05',
    max_concurrent INTEGER NOT NULL DEFAULT 3,
    stop_loss_pct TEXT NOT NULL DEFAULT '0.05',
    take_profit_pct TEXT NOT NULL DEFAULT '0.10',
    max_position_size TEXT NOT NULL DEFAULT '0',
    balance_snapshot TEXT NOT NULL DEFAULT '0',
    balance_updated_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS exchange_credentials (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    exchange TEXT NOT NULL,
    environment TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    key_version INTEGER NOT NULL DEFAULT 1,
    is_pool INTEGER NOT NULL DEFAULT 0,
    is_active INTEGER NOT NULL DEFAULT 1,
    validation_status TEXT NOT NULL DEFAULT 'pending',
    error_reason TEXT NOT NULL DEFAULT '',
    last_validated_at DATETIME,
    flagged_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_owner
    ON exchange_credentials(user_id, exchange, environment) WHERE is_pool = 0;
CREATE INDEX IF NOT EXISTS idx_credentials_pool
    ON exchange_credentials(exchange, environment) WHERE is_pool = 1;

CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    source_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    action TEXT NOT NULL,
    direction TEXT NOT NULL,
    strength TEXT NOT NULL,
    price TEXT NOT NULL,
    strategy TEXT NOT NULL DEFAULT '',
    exchange TEXT NOT NULL DEFAULT '',
    signal_time DATETIME NOT NULL,
    received_at DATETIME NOT NULL,
    processed_at DATETIME
);

CREATE TABLE IF NOT EXISTS signal_accounts (
    signal_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    intent_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (signal_id, user_id)
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    credential_id TEXT NOT NULL DEFAULT '',
    signal_id TEXT NOT NULL DEFAULT '',
    position_id TEXT NOT NULL DEFAULT '',
    purpose TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty TEXT NOT NULL,
    filled_qty TEXT NOT NULL DEFAULT '0',
    avg_price TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    endpoint TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    signal_id TEXT NOT NULL DEFAULT '',
    credential_id TEXT NOT NULL DEFAULT '',
    exchange TEXT NOT NULL,
    environment TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    quantity TEXT NOT NULL,
    stop_loss_price TEXT NOT NULL,
    take_profit_price TEXT NOT NULL,
    opened_at DATETIME NOT NULL,
    status TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    frozen_reason TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_active
    ON positions(user_id, symbol) WHERE status IN ('OPEN', 'CLOSING');
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);

CREATE TABLE IF NOT EXISTS closure_events (
    position_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    exit_price TEXT NOT NULL,
    reason TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    close_order_id TEXT NOT NULL DEFAULT '',
    closed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS capital_events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    source TEXT NOT NULL,
    amount TEXT NOT NULL,
    status TEXT NOT NULL,
    reference TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capital_user ON capital_events(user_id, created_at);

CREATE TABLE IF NOT EXISTS affiliates (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    tier TEXT NOT NULL DEFAULT 'standard',
    is_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS referrals (
    user_id TEXT PRIMARY KEY,
    affiliate_id TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS revenue_attributions (
    position_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    funding_source TEXT NOT NULL,
    realized_pnl TEXT NOT NULL,
    attributed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS commission_records (
    id TEXT PRIMARY KEY,
    affiliate_id TEXT NOT NULL,
    source_position_id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    funding_source TEXT NOT NULL,
    rate_applied TEXT NOT NULL,
    amount TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS market_gate_states (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    value INTEGER NOT NULL,
    classification TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    observed_at DATETIME NOT NULL,
    recorded_at DATETIME NOT NULL,
    superseded_at DATETIME
);

CREATE TABLE IF NOT EXISTS intent_audit (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    signal_id TEXT NOT NULL DEFAULT '',
    user_id TEXT NOT NULL DEFAULT '',
    intent_id TEXT NOT NULL DEFAULT '',
    symbol TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    reason TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "positions", "frozen_reason", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "signals", "exchange", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "orders", "endpoint", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
