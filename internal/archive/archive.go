// Package archive mirrors completed-task records into a local sqlite
// database so history can be looked up by id (Find) or by error bit
// (Failed) without replaying log.bin linearly. Waiting and executing
// durations are stored and returned with each record; no query selects
// by duration. The binary log stays authoritative; the archive is
// best-effort and rebuildable from it.
package archive

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kkovacs/orcd/internal/logstore"
	"github.com/kkovacs/orcd/internal/task"
)

// Open opens (or creates) the archive database at path and ensures
// the schema exists.
func Open(path string) (*Archive, error) {
	if path == "" {
		return nil, fmt.Errorf("archive: db path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable Write-Ahead Logging. See https://sqlite.org/wal.html
	if _, err := db.Exec(`PRAGMA journal_mode = wal;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: enable wal: %w", err)
	}
	a := &Archive{db: db}
	if err := a.init(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Archive interacts with the completed-task history database.
type Archive struct {
	db *sql.DB
}

func (a *Archive) init() error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := createCompletedTable(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// createCompletedTable creates the completed table if not exists.
// It is ok to call it multiple times.
func createCompletedTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS completed (
			id INTEGER PRIMARY KEY,
			command TEXT NOT NULL,
			expected_ms INTEGER NOT NULL,
			error INTEGER NOT NULL,
			waiting_us INTEGER,
			executing_us INTEGER
		);
	`)
	return err
}

// Close releases the database.
func (a *Archive) Close() error { return a.db.Close() }

// Add mirrors one completion-log record. The waiting and executing
// columns are NULL when a bounding timestamp was never set.
func (a *Archive) Add(rec logstore.Record) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO completed (
			id,
			command,
			expected_ms,
			error,
			waiting_us,
			executing_us
		)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.CommandLine,
		rec.ExpectedTime,
		rec.Error,
		gap(rec.Times, task.StageArrived, task.StageDispatched),
		gap(rec.Times, task.StageDispatched, task.StageEnded),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func gap(times [task.NumStages]task.Time, from, to task.Stage) any {
	a, b := times[from], times[to]
	if a.IsZero() || b.IsZero() {
		return nil
	}
	return b.Sub(a).Microseconds()
}

// Completed is one archived record as returned by queries.
type Completed struct {
	ID          uint32
	CommandLine string
	ExpectedMS  uint32
	Error       bool
	WaitingUS   sql.NullInt64
	ExecutingUS sql.NullInt64
}

// Find returns the archived record for one task id.
func (a *Archive) Find(id uint32) (*Completed, error) {
	rows, err := a.db.Query(`
		SELECT id, command, expected_ms, error, waiting_us, executing_us
		FROM completed
		WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("archive: cannot find the task: %v", id)
	}
	c := &Completed{}
	err = rows.Scan(&c.ID, &c.CommandLine, &c.ExpectedMS, &c.Error, &c.WaitingUS, &c.ExecutingUS)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Failed lists the archived records whose error bit is set, most
// recent id first.
func (a *Archive) Failed() ([]*Completed, error) {
	rows, err := a.db.Query(`
		SELECT id, command, expected_ms, error, waiting_us, executing_us
		FROM completed
		WHERE error != 0
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var all []*Completed
	for rows.Next() {
		c := &Completed{}
		err := rows.Scan(&c.ID, &c.CommandLine, &c.ExpectedMS, &c.Error, &c.WaitingUS, &c.ExecutingUS)
		if err != nil {
			return nil, err
		}
		all = append(all, c)
	}
	return all, rows.Err()
}

// Count returns how many records the archive holds.
func (a *Archive) Count() (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM completed`).Scan(&n)
	return n, err
}
