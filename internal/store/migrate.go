package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrSchemaTooNew is returned when the database was written by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

// step is one schema version. Statements run in order inside a single
// transaction together with the version record.
type step struct {
	name  string
	stmts []string
}

// steps[i] upgrades the schema to version i+1.
var steps = []step{
	{"channels", []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL DEFAULT '',
			user_id      TEXT NOT NULL DEFAULT '',
			provider     TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'disconnected',
			qr_code      TEXT NOT NULL DEFAULT '',
			instance_id  TEXT NOT NULL DEFAULT '',
			phone        TEXT NOT NULL DEFAULT '',
			last_sync_at DATETIME,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_status ON channels(status)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_instance ON channels(instance_id)`,
	}},
	{"channel_events transition log", []string{
		`CREATE TABLE IF NOT EXISTS channel_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id  TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_events_channel ON channel_events(channel_id, created_at)`,
	}},
}

// schemaVersion is the version a fully migrated database reports.
var schemaVersion = len(steps)

// RunMigrations brings db up to schemaVersion. A database that already
// reports a higher version is refused.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("%w: have v%d, support v%d", ErrSchemaTooNew, current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		s := steps[v-1]
		if err := applyStep(db, v, s); err != nil {
			return err
		}
		logger.Info("schema migrated", "version", v, "step", s.name)
	}
	return nil
}

func applyStep(db *sql.DB, version int, s step) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", version, err)
	}
	defer tx.Rollback()

	for _, stmt := range s.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			// ALTER TABLE ADD COLUMN has no IF NOT EXISTS form
			if strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration v%d (%s): %w", version, s.name, err)
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, description) VALUES (?, ?)",
		version, s.name,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", version, err)
	}
	return tx.Commit()
}

// GetSchemaVersion reports the highest applied version, 0 for a fresh file.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
