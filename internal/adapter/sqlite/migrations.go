package sqlite

import (
	"database/sql"
	"fmt"
)

// migrations is the ordered, append-only schema history. Each entry runs at
// most once; applied versions are tracked in schema_migrations.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS filing_state (
		accession         TEXT PRIMARY KEY,
		ticker            TEXT NOT NULL,
		filing_date       DATETIME NOT NULL,
		status            TEXT NOT NULL,
		status_updated_at DATETIME NOT NULL,
		failure_id        INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_filing_state_status ON filing_state(status);`,

	`CREATE TABLE IF NOT EXISTS filing_failures (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		accession     TEXT NOT NULL,
		ticker        TEXT NOT NULL,
		error_type    TEXT NOT NULL,
		error_message TEXT NOT NULL,
		occurred_at   DATETIME NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_filing_failures_accession ON filing_failures(accession);
	CREATE INDEX IF NOT EXISTS idx_filing_failures_occurred_at ON filing_failures(occurred_at);`,
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate migrations: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		if applied[version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}

	return nil
}
