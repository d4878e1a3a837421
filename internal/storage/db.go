package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationAccounts,
		migrationTasks,
		migrationLedger,
		migrationPayments,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// WithTx runs fn inside a transaction. fn returning an error rolls the whole
// unit back; nothing partial ever becomes visible to readers.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE NOT NULL,
	is_admin INTEGER NOT NULL DEFAULT 0,
	api_key_hash TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationTasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	cost INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'created',
	admin_bypass INTEGER NOT NULL DEFAULT 0,
	output_ref TEXT,
	metadata TEXT,
	duration_ms INTEGER,

	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at DATETIME,
	ended_at DATETIME,

	FOREIGN KEY (account_id) REFERENCES accounts(id)
);
`

// The ledger is append-only: no UPDATE or DELETE statement for this table
// exists anywhere in this package. Balance is always derived by summing
// deltas, never cached as mutable state.
const migrationLedger = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	delta INTEGER NOT NULL,
	reason TEXT NOT NULL,
	task_id TEXT,
	external_ref TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

	FOREIGN KEY (account_id) REFERENCES accounts(id),
	FOREIGN KEY (task_id) REFERENCES tasks(id)
);
`

const migrationPayments = `
CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	grant_type TEXT NOT NULL,
	credits INTEGER NOT NULL,
	amount_cents INTEGER NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'usd',
	external_ref TEXT UNIQUE NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

	FOREIGN KEY (account_id) REFERENCES accounts(id)
);
`

// idx_ledger_external_ref is the dedup gate for payment-derived entries:
// duplicate webhook deliveries collide here atomically with the insert,
// never via a prior read-then-write.
const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_ledger_account_id ON ledger_entries(account_id);
CREATE INDEX IF NOT EXISTS idx_ledger_task_id ON ledger_entries(task_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_external_ref
ON ledger_entries(external_ref)
WHERE external_ref IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tasks_account_id ON tasks(account_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_payments_account_id ON payments(account_id);
CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email);
`
