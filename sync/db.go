package sync

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// HistoryDBName is the default history database file name, placed next
// to the log file.
const HistoryDBName = "mirrorsync.db"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    pair          TEXT NOT NULL,
    source        TEXT NOT NULL,
    replica       TEXT NOT NULL,
    started_at    INTEGER NOT NULL,
    finished_at   INTEGER NOT NULL,
    dirs_created  INTEGER NOT NULL DEFAULT 0,
    files_copied  INTEGER NOT NULL DEFAULT 0,
    files_deleted INTEGER NOT NULL DEFAULT 0,
    dirs_deleted  INTEGER NOT NULL DEFAULT 0,
    errors        INTEGER NOT NULL DEFAULT 0,
    bytes_copied  INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL,
    error         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS runs_pair_started ON runs(pair, started_at);

CREATE TABLE IF NOT EXISTS run_events (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    at     INTEGER NOT NULL,
    kind   TEXT NOT NULL,
    path   TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    size   INTEGER NOT NULL DEFAULT 0,
    error  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS run_events_run ON run_events(run_id);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// DefaultHistoryPath returns the history database path next to logFile.
func DefaultHistoryPath(logFile string) string {
	return filepath.Join(filepath.Dir(logFile), HistoryDBName)
}

// OpenDB opens (or creates) the history database at dbPath.
func OpenDB(dbPath string) (*sql.DB, error) {
	l := sub("db")
	l.Info("opening history database", "path", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// Pragmas below are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	l.Debug("PRAGMA foreign_keys=ON")

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l.Debug("PRAGMA journal_mode=WAL")

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	l.Debug("PRAGMA busy_timeout=5000")

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	l := sub("db")
	var version int
	err := db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if err != nil {
		// meta table missing or empty: fresh database
		if _, execErr := db.Exec(schema); execErr != nil {
			return fmt.Errorf("create schema: %w", execErr)
		}
		_, execErr := db.Exec("INSERT INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
		if execErr != nil {
			return fmt.Errorf("set schema version: %w", execErr)
		}
		l.Info("schema created", "version", schemaVersion)
		return nil
	}

	if version > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, schemaVersion)
	}
	l.Debug("schema up to date", slog.Int("version", version))
	return nil
}
