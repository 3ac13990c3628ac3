package sync

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Run is a recorded reconciliation pass.
type Run struct {
	ID           int64     `json:"id"`
	Pair         string    `json:"pair"`
	Source       string    `json:"source"`
	Replica      string    `json:"replica"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	DirsCreated  int       `json:"dirsCreated"`
	FilesCopied  int       `json:"filesCopied"`
	FilesDeleted int       `json:"filesDeleted"`
	DirsDeleted  int       `json:"dirsDeleted"`
	Errors       int       `json:"errors"`
	BytesCopied  int64     `json:"bytesCopied"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
}

// Duration is the wall time of the run.
func (r Run) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Store provides access to the run history database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `id, pair, source, replica, started_at, finished_at,
	dirs_created, files_copied, files_deleted, dirs_deleted, errors, bytes_copied, status, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var started, finished int64
	err := row.Scan(&r.ID, &r.Pair, &r.Source, &r.Replica, &started, &finished,
		&r.DirsCreated, &r.FilesCopied, &r.FilesDeleted, &r.DirsDeleted, &r.Errors, &r.BytesCopied,
		&r.Status, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Started = time.Unix(0, started)
	r.Finished = time.Unix(0, finished)
	return &r, nil
}

// RecordRun stores a finished pass and its events in one transaction.
// passErr is the error returned by Reconcile, if any.
func (s *Store) RecordRun(report *Report, passErr error) (int64, error) {
	l := sub("store")
	sum := Summarize(report, passErr)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`
		INSERT INTO runs (pair, source, replica, started_at, finished_at,
			dirs_created, files_copied, files_deleted, dirs_deleted, errors, bytes_copied, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, report.Pair, report.Source, report.Replica, report.Started.UnixNano(), report.Finished.UnixNano(),
		sum.DirsCreated, sum.FilesCopied, sum.FilesDeleted, sum.DirsDeleted, sum.Errors, sum.BytesCopied,
		sum.Status, sum.Error)
	if err != nil {
		l.Error("RecordRun failed", "pair", report.Pair, "err", err)
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run id: %w", err)
	}

	if len(report.Events) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO run_events (run_id, at, kind, path, source, size, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return 0, fmt.Errorf("prepare event insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range report.Events {
			if _, err := stmt.Exec(id, e.Time.UnixNano(), string(e.Kind), e.Path, e.Source, e.Size, e.Err); err != nil {
				return 0, fmt.Errorf("insert event: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run: %w", err)
	}
	l.Debug("RecordRun", "id", id, "pair", report.Pair, "events", len(report.Events), "status", sum.Status)
	return id, nil
}

// GetRun retrieves a run by id. Returns nil, nil if it does not exist.
func (s *Store) GetRun(id int64) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		if logEnabled(slog.LevelDebug) {
			sub("store").Debug("GetRun", "id", id, "found", false)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// LastRun returns the most recent run of pair, or nil if there is none.
func (s *Store) LastRun(pair string) (*Run, error) {
	r, err := scanRun(s.db.QueryRow(`
		SELECT `+runColumns+` FROM runs WHERE pair = ?
		ORDER BY started_at DESC, id DESC LIMIT 1
	`, pair))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last run: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first. An empty pair lists
// every pair; limit <= 0 means no limit.
func (s *Store) ListRuns(pair string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM runs
		WHERE ? = '' OR pair = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, pair, pair, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	if logEnabled(slog.LevelDebug) {
		sub("store").Debug("ListRuns", "pair", pair, "count", len(runs))
	}
	return runs, rows.Err()
}

// ListRunEvents returns the events of a run in emission order.
func (s *Store) ListRunEvents(runID int64) ([]SyncEvent, error) {
	rows, err := s.db.Query(`
		SELECT at, kind, path, source, size, error
		FROM run_events WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var events []SyncEvent
	for rows.Next() {
		var e SyncEvent
		var at int64
		var kind string
		if err := rows.Scan(&at, &kind, &e.Path, &e.Source, &e.Size, &e.Err); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Time = time.Unix(0, at)
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneRuns deletes all but the keep most recent runs of pair, along with
// their events. Returns the number of runs removed.
func (s *Store) PruneRuns(pair string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM runs WHERE pair = ? AND id NOT IN (
			SELECT id FROM runs WHERE pair = ?
			ORDER BY started_at DESC, id DESC LIMIT ?
		)
	`, pair, pair, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if n > 0 {
		sub("store").Debug("PruneRuns", "pair", pair, "removed", n)
	}
	return n, nil
}
