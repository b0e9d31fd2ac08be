// Package state persists the agent-side meta record of executor runs.
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
//
// The engine checkpoints a run row before it checkpoints the pid into
// its own runtime directory. A pid present in the runtime directory
// with no matching run row therefore means the meta store was wiped,
// and the container is safely an orphan.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rowanhq/stevedore/internal/container"
)

// DB wraps the SQLite database holding executor run checkpoints.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the meta database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	mdb := &DB{db: db}
	if err := mdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return mdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			container_id  TEXT PRIMARY KEY,
			framework_id  TEXT NOT NULL,
			executor_id   TEXT NOT NULL,
			executor_info TEXT NOT NULL DEFAULT '',
			sandbox       TEXT NOT NULL DEFAULT '',
			forked_pid    INTEGER,
			completed     INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// Run is one checkpointed executor run.
type Run struct {
	ContainerID string
	FrameworkID string
	ExecutorID  string
	Executor    *container.ExecutorInfo
	Sandbox     string
	ForkedPID   *int
	Completed   bool
	CreatedAt   time.Time
}

// CheckpointRun inserts or replaces a run row.
func (d *DB) CheckpointRun(run *Run) error {
	infoJSON := ""
	if run.Executor != nil {
		b, err := json.Marshal(run.Executor)
		if err != nil {
			return fmt.Errorf("encode executor info: %w", err)
		}
		infoJSON = string(b)
	}

	var pid interface{}
	if run.ForkedPID != nil {
		pid = *run.ForkedPID
	}

	completed := 0
	if run.Completed {
		completed = 1
	}

	_, err := d.db.Exec(`
		INSERT INTO runs (container_id, framework_id, executor_id, executor_info, sandbox, forked_pid, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			framework_id  = excluded.framework_id,
			executor_id   = excluded.executor_id,
			executor_info = excluded.executor_info,
			sandbox       = excluded.sandbox,
			forked_pid    = excluded.forked_pid,
			completed     = excluded.completed
	`, run.ContainerID, run.FrameworkID, run.ExecutorID, infoJSON, run.Sandbox, pid, completed)
	return err
}

// MarkCompleted flags a run as finished. Completed runs are skipped on
// recovery.
func (d *DB) MarkCompleted(containerID string) error {
	_, err := d.db.Exec(`UPDATE runs SET completed = 1 WHERE container_id = ?`, containerID)
	return err
}

// RemoveRun deletes a run row.
func (d *DB) RemoveRun(containerID string) error {
	_, err := d.db.Exec(`DELETE FROM runs WHERE container_id = ?`, containerID)
	return err
}

// ListRuns returns all checkpointed runs, oldest first.
func (d *DB) ListRuns() ([]*Run, error) {
	rows, err := d.db.Query(`
		SELECT container_id, framework_id, executor_id, executor_info, sandbox, forked_pid, completed, created_at
		FROM runs ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var infoJSON, createdStr string
		var pid sql.NullInt64
		var completed int
		if err := rows.Scan(&run.ContainerID, &run.FrameworkID, &run.ExecutorID,
			&infoJSON, &run.Sandbox, &pid, &completed, &createdStr); err != nil {
			return nil, err
		}
		if infoJSON != "" {
			var info container.ExecutorInfo
			if json.Unmarshal([]byte(infoJSON), &info) == nil {
				run.Executor = &info
			}
		}
		if pid.Valid {
			p := int(pid.Int64)
			run.ForkedPID = &p
		}
		run.Completed = completed != 0
		run.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdStr)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
