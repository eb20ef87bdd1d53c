package store

import (
	"database/sql"
	"fmt"
)

const schemaDDL = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    name TEXT NOT NULL,
    public_key TEXT NOT NULL,
    secret_key_enc TEXT NOT NULL,
    passphrase_enc TEXT,
    is_active BOOLEAN DEFAULT 1,
    is_testnet BOOLEAN DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    group_name TEXT NOT NULL UNIQUE,
    market_type TEXT NOT NULL,
    webhook_token TEXT NOT NULL UNIQUE,
    is_active BOOLEAN DEFAULT 1,
    is_public BOOLEAN DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS strategy_accounts (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    weight TEXT NOT NULL,
    leverage TEXT NOT NULL DEFAULT '1',
    max_symbols INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(strategy_id, account_id),
    FOREIGN KEY(strategy_id) REFERENCES strategies(id),
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS strategy_capital (
    strategy_account_id TEXT PRIMARY KEY,
    allocated_capital TEXT NOT NULL DEFAULT '0',
    current_pnl TEXT NOT NULL DEFAULT '0',
    last_updated DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(strategy_account_id) REFERENCES strategy_accounts(id)
);

CREATE TABLE IF NOT EXISTS strategy_positions (
    strategy_account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    quantity TEXT NOT NULL DEFAULT '0',
    entry_price TEXT NOT NULL DEFAULT '0',
    last_updated DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY(strategy_account_id, symbol),
    FOREIGN KEY(strategy_account_id) REFERENCES strategy_accounts(id)
);

CREATE TABLE IF NOT EXISTS open_orders (
    id TEXT PRIMARY KEY,
    strategy_account_id TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    price TEXT,
    stop_price TEXT,
    quantity TEXT NOT NULL,
    filled_quantity TEXT NOT NULL DEFAULT '0',
    status TEXT NOT NULL,
    market_type TEXT NOT NULL,
    error_message TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(strategy_account_id) REFERENCES strategy_accounts(id)
);

-- I1: exchange_order_id is globally unique across non-PENDING values.
-- SQLite partial indexes make this cheap to enforce directly.
CREATE UNIQUE INDEX IF NOT EXISTS idx_open_orders_exchange_id
    ON open_orders(exchange_order_id)
    WHERE exchange_order_id NOT LIKE 'PENDING:%';

CREATE INDEX IF NOT EXISTS idx_open_orders_status ON open_orders(status);
CREATE INDEX IF NOT EXISTS idx_open_orders_strategy_account ON open_orders(strategy_account_id);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    strategy_account_id TEXT NOT NULL,
    exchange_order_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    order_price TEXT,
    price TEXT NOT NULL,
    quantity TEXT NOT NULL,
    timestamp DATETIME NOT NULL,
    pnl TEXT,
    fee TEXT,
    is_entry BOOLEAN DEFAULT 1,
    market_type TEXT NOT NULL,
    UNIQUE(exchange_order_id, price, quantity, timestamp)
);

CREATE INDEX IF NOT EXISTS idx_trades_strategy_account ON trades(strategy_account_id);

CREATE TABLE IF NOT EXISTS failed_orders (
    id TEXT PRIMARY KEY,
    strategy_account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    order_type TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT,
    stop_price TEXT,
    reason TEXT NOT NULL,
    exchange_error TEXT,
    operation_type TEXT NOT NULL,
    original_order_id TEXT,
    retry_count INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS cancel_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id TEXT NOT NULL,
    strategy_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    retry_count INTEGER DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'PENDING',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cancel_queue_order ON cancel_queue(order_id);
CREATE INDEX IF NOT EXISTS idx_cancel_queue_status ON cancel_queue(status);

CREATE TABLE IF NOT EXISTS webhook_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    received_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    payload TEXT,
    status TEXT,
    message TEXT
);
`

// ApplyMigrations bootstraps the schema, following the teacher's
// pkg/db/schema.go pattern: one idempotent CREATE-TABLE block plus a
// sequence of ensureColumn calls for fields added after first release.
func ApplyMigrations(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Example of the idempotent-column pattern this store follows when a
	// later revision needs a new field without a destructive migration.
	if err := ensureColumn(db, "accounts", "passphrase_enc", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(db, "strategy_accounts", "max_symbols", "INTEGER DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

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
