package sqlite

import (
	"database/sql"
	"fmt"
)

// applyMigrations applies all database migrations in order.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("could not enable foreign keys: %w", err)
	}

	if err := createMigrationsTable(db); err != nil {
		return err
	}

	migrations := []struct {
		version int
		name    string
		sql     string
	}{
		{1, "create_owners_table", createOwnersTable},
		{2, "create_metric_entries_table", createMetricEntriesTable},
		{3, "create_outbox_events_table", createOutboxEventsTable},
		{4, "create_sync_ledger_table", createSyncLedgerTable},
		{5, "create_indices", createIndices},
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(db, m.version)
		if err != nil {
			return fmt.Errorf("could not check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}

		if err := applyMigration(db, m.version, m.name, m.sql); err != nil {
			return err
		}
	}

	return nil
}

func createMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func isMigrationApplied(db *sql.DB, version int) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM migrations WHERE version = ?", version).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyMigration runs the schema change and records it in one transaction.
func applyMigration(db *sql.DB, version int, name, stmt string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(stmt); err != nil {
		return fmt.Errorf("could not apply migration %d (%s): %w", version, name, err)
	}
	if _, err := tx.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)", version, name); err != nil {
		return fmt.Errorf("could not record migration %d: %w", version, err)
	}
	return tx.Commit()
}

// Migration SQL statements. Timestamps are unix milliseconds (UTC).

const createOwnersTable = `
CREATE TABLE owners (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
`

// owner_id is a nullable foreign key: bulk resets clear it in a separate
// pass before deleting rows.
const createMetricEntriesTable = `
CREATE TABLE metric_entries (
	id TEXT PRIMARY KEY,
	owner_id TEXT REFERENCES owners(id),
	metric_type TEXT NOT NULL,
	bucket_start INTEGER NOT NULL,
	value REAL NOT NULL,
	payload TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	remote_id TEXT,
	sync_status TEXT NOT NULL DEFAULT 'pending'
);
`

const createOutboxEventsTable = `
CREATE TABLE outbox_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 5,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_attempt_at INTEGER,
	not_before INTEGER,
	completed_at INTEGER,
	remote_id TEXT,
	error_message TEXT,
	metadata TEXT NOT NULL DEFAULT '{}'
);
`

const createSyncLedgerTable = `
CREATE TABLE sync_ledger (
	owner_id TEXT NOT NULL,
	metric_type TEXT NOT NULL,
	last_sync_at INTEGER NOT NULL,
	last_bucket INTEGER,
	PRIMARY KEY (owner_id, metric_type)
);
`

const createIndices = `
CREATE INDEX idx_metric_entries_key ON metric_entries(owner_id, metric_type, bucket_start);
CREATE INDEX idx_metric_entries_status ON metric_entries(sync_status);
CREATE INDEX idx_outbox_ready ON outbox_events(status, priority DESC, created_at);
CREATE INDEX idx_outbox_owner ON outbox_events(owner_id, status);
CREATE INDEX idx_outbox_entity ON outbox_events(entity_id);
`
