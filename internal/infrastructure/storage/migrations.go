package storage

import (
	"database/sql"
	"fmt"
	"log"
)

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// allMigrations defines all migrations in order
var allMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up:      migration001InitialSchema,
	},
	{
		Version: 2,
		Name:    "add_rejections_table",
		Up:      migration002AddRejectionsTable,
	},
	{
		Version: 3,
		Name:    "add_connection_status_columns",
		Up:      migration003AddConnectionStatusColumns,
	},
}

// runMigrations executes all pending migrations
func (s *Storage) runMigrations() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range allMigrations {
		if applied[migration.Version] {
			continue // Already applied
		}

		log.Printf("Running migration %d: %s", migration.Version, migration.Name)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		_, err = tx.Exec(`
			INSERT INTO schema_migrations (version, name) VALUES (?, ?)
		`, migration.Version, migration.Name)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table
func (s *Storage) ensureMigrationsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	_, err := s.db.Exec(query)
	return err
}

// getAppliedMigrations returns a set of applied migration versions
func (s *Storage) getAppliedMigrations() (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// ================================================================
// MIGRATION FUNCTIONS
// ================================================================

// migration001InitialSchema creates the transactions, receipts and sync
// bookkeeping tables.
//
// Amounts are stored as exact decimal strings, never REAL. Calendar
// dates are stored as YYYY-MM-DD strings so BETWEEN range scans work
// lexicographically.
func migration001InitialSchema(db *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL DEFAULT '',
			amount TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			posted_date TEXT NOT NULL,
			raw_merchant TEXT NOT NULL DEFAULT '',
			merchant TEXT NOT NULL DEFAULT '',
			categories_json TEXT NOT NULL DEFAULT '[]',
			match_state TEXT NOT NULL DEFAULT 'unmatched',
			matched_receipt_id TEXT,
			decided_by TEXT NOT NULL DEFAULT '',
			match_confidence INTEGER NOT NULL DEFAULT 0,
			review_candidates_json TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL DEFAULT 1,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_state
		 ON transactions(match_state)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_posted_date
		 ON transactions(posted_date)`,

		`CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			content_hash TEXT UNIQUE NOT NULL,
			origin TEXT NOT NULL,
			merchant TEXT NOT NULL DEFAULT '',
			amount TEXT,
			receipt_date TEXT,
			raw_text TEXT NOT NULL DEFAULT '',
			storage_ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			matched_transaction_id TEXT,
			ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_receipts_date
		 ON receipts(receipt_date)`,

		`CREATE INDEX IF NOT EXISTS idx_receipts_status
		 ON receipts(status)`,

		`CREATE INDEX IF NOT EXISTS idx_receipts_unlinked
		 ON receipts(matched_transaction_id) WHERE matched_transaction_id IS NULL`,

		`CREATE TABLE IF NOT EXISTS sync_cursors (
			connection_id TEXT PRIMARY KEY,
			cursor TEXT NOT NULL DEFAULT '',
			last_synced_at TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS sync_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT NOT NULL,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP,
			added INTEGER DEFAULT 0,
			updated INTEGER DEFAULT 0,
			quarantined INTEGER DEFAULT 0,
			errors INTEGER DEFAULT 0,
			status TEXT DEFAULT 'running'
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_runs_connection
		 ON sync_runs(connection_id)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_runs_started
		 ON sync_runs(started_at DESC)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// migration002AddRejectionsTable creates the rejections table. A row
// means a human rejected the pairing; the candidate query excludes
// these pairs so automation never re-proposes them.
func migration002AddRejectionsTable(db *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS rejections (
			transaction_id TEXT NOT NULL,
			receipt_id TEXT NOT NULL,
			rejected_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (transaction_id, receipt_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_rejections_receipt
		 ON rejections(receipt_id)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// migration003AddConnectionStatusColumns adds operator-facing status
// tracking to sync_cursors (ok / needs_reauthorization / degraded).
func migration003AddConnectionStatusColumns(db *sql.Tx) error {
	queries := []string{
		`ALTER TABLE sync_cursors ADD COLUMN status TEXT NOT NULL DEFAULT 'ok'`,
		`ALTER TABLE sync_cursors ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to add status columns: %w", err)
		}
	}

	return nil
}
