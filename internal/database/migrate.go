package database

import (
	"database/sql"
	"fmt"
	"log"
)

// getSchemaVersion reads PRAGMA user_version from the database.
func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// hasLegacyTable returns true if a questions table exists but user_version was
// never set. This detects databases created by the old ingestion scripts,
// which had no uniqueness constraint and no exam_name column.
func hasLegacyTable(conn *sql.DB) (bool, error) {
	var count int
	err := conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='questions'",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for legacy tables: %w", err)
	}
	return count > 0, nil
}

// migrateLegacy rebuilds the questions table with the normalized schema and
// copies the old rows across once. Duplicate (file_path, question_id) pairs in
// the old data collapse to the first row seen.
func migrateLegacy(conn *sql.DB) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin legacy migration: %w", err)
	}

	_, err = tx.Exec(`
ALTER TABLE questions RENAME TO questions_legacy;

CREATE TABLE questions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path TEXT NOT NULL,
    question_id TEXT NOT NULL,
    question_type TEXT NOT NULL,
    content TEXT NOT NULL,
    options TEXT,
    confidence REAL DEFAULT 0,
    exam_name TEXT,
    add_time TEXT DEFAULT (datetime('now')),
    UNIQUE(file_path, question_id)
);

INSERT OR IGNORE INTO questions (file_path, question_id, question_type, content, options, confidence, add_time)
SELECT file_path, question_id, question_type, content, options, confidence, add_time
FROM questions_legacy;

DROP TABLE questions_legacy;

CREATE INDEX IF NOT EXISTS idx_questions_type ON questions(question_type);
CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_name);
CREATE INDEX IF NOT EXISTS idx_questions_add_time ON questions(add_time);
`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("rebuilding legacy table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit legacy migration: %w", err)
	}
	return nil
}

// migrate brings the database schema up to the latest version.
// It uses PRAGMA user_version to track which migrations have been applied.
func migrate(conn *sql.DB) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}

	// Legacy DB detection: a questions table exists but user_version is 0.
	// Rebuild it once into the normalized schema, then stamp version 1.
	if current == 0 {
		legacy, err := hasLegacyTable(conn)
		if err != nil {
			return err
		}
		if legacy {
			log.Printf("detected legacy database, rebuilding questions table")
			if err := migrateLegacy(conn); err != nil {
				return err
			}
			if _, err := conn.Exec("PRAGMA user_version = 1"); err != nil {
				return fmt.Errorf("stamping legacy version: %w", err)
			}
			current = 1
		}
	}

	latest := latestVersion()
	if current >= latest {
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		log.Printf("applying migration %d: %s", m.Version, m.Description)

		tx, err := conn.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		// Set user_version outside the transaction (modernc/sqlite requirement).
		// Safe: if we crash here, the idempotent DDL lets the migration re-run.
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("setting version %d: %w", m.Version, err)
		}
	}

	return nil
}
