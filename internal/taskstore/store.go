// Package taskstore persists terminal task snapshots for worker-restart
// diagnostics and the taskworker inspect CLI. It is the only durable state
// the worker keeps — the task execution core itself is purely in-memory.
package taskstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	// Pure-Go SQLite driver: the worker persists snapshots without requiring
	// a cgo toolchain or an external database.
	_ "modernc.org/sqlite"

	"github.com/sqlshard/taskworker/internal/task"
)

// TaskSnapshotRecord is the durable row written for one terminal task.
// Unlike task.TaskInfo, it's a closed value type with no running-task
// fields (no BufferedBytes, no RemainingDriverCount) since it's only ever
// written once, at the task's terminal transition.
type TaskSnapshotRecord struct {
	TaskId         string
	FinalState     string
	Version        int64
	FailureSummary string
	StartedAt      time.Time
	FinishedAt     time.Time
	DriverCount    int64
	SplitCount     int64
}

// Store is a sqlite-backed SnapshotSink. A *Store's methods are safe for
// concurrent use; sqlite itself serializes writers, and the pool is capped
// at a single connection to match.
type Store struct {
	db *sql.DB
}

// Open connects to the sqlite database at dsn, creating the schema if this
// is its first use. Connect to the database with sane settings: WAL
// journal mode prevents locking issues under concurrent readers, and a
// busy timeout absorbs the brief writer contention WAL mode still allows.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("taskstore: dsn required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "taskstore: failed to open db with dsn: %s", dsn)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "taskstore: failed to set pragma: %s", pragma)
		}
	}

	// SQLite handles concurrency by serializing writers regardless of pool
	// size; a single connection avoids SQLITE_BUSY surfacing as a Go-level
	// connection-pool retry storm.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS task_snapshots (
	task_id         TEXT PRIMARY KEY,
	final_state     TEXT NOT NULL,
	version         INTEGER NOT NULL,
	failure_summary TEXT NOT NULL DEFAULT '',
	started_at      INTEGER NOT NULL DEFAULT 0,
	finished_at     INTEGER NOT NULL DEFAULT 0,
	driver_count    INTEGER NOT NULL DEFAULT 0,
	split_count     INTEGER NOT NULL DEFAULT 0,
	recorded_at     INTEGER NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "taskstore: failed to create task_snapshots table")
	}
	return nil
}

// IsInitialized reports whether the snapshot table already exists.
func (s *Store) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='task_snapshots')",
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "taskstore: failed to check initialization")
	}
	return exists, nil
}

// SaveSnapshot implements task.SnapshotSink. It's an upsert: a retried
// fire-and-forget call (or a task that somehow reaches two terminal
// transitions) always leaves the latest version on record rather than
// erroring on a duplicate key.
func (s *Store) SaveSnapshot(ctx context.Context, info task.TaskInfo) error {
	rec := toRecord(info)

	const stmt = `
INSERT INTO task_snapshots (
	task_id, final_state, version, failure_summary,
	started_at, finished_at, driver_count, split_count, recorded_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	final_state     = excluded.final_state,
	version         = excluded.version,
	failure_summary = excluded.failure_summary,
	started_at      = excluded.started_at,
	finished_at     = excluded.finished_at,
	driver_count    = excluded.driver_count,
	split_count     = excluded.split_count,
	recorded_at     = excluded.recorded_at
WHERE excluded.version >= task_snapshots.version;`

	_, err := s.db.ExecContext(ctx, stmt,
		rec.TaskId,
		rec.FinalState,
		rec.Version,
		rec.FailureSummary,
		unixOrZero(rec.StartedAt),
		unixOrZero(rec.FinishedAt),
		rec.DriverCount,
		rec.SplitCount,
		time.Now().UnixNano(),
	)
	if err != nil {
		return errors.Wrapf(err, "taskstore: failed to save snapshot for task %s", rec.TaskId)
	}
	return nil
}

// GetSnapshot returns the persisted record for taskId, or sql.ErrNoRows if
// none was ever saved.
func (s *Store) GetSnapshot(ctx context.Context, taskId string) (*TaskSnapshotRecord, error) {
	const q = `
SELECT task_id, final_state, version, failure_summary,
       started_at, finished_at, driver_count, split_count
FROM task_snapshots WHERE task_id = ?;`

	var rec TaskSnapshotRecord
	var startedUnix, finishedUnix int64
	err := s.db.QueryRowContext(ctx, q, taskId).Scan(
		&rec.TaskId,
		&rec.FinalState,
		&rec.Version,
		&rec.FailureSummary,
		&startedUnix,
		&finishedUnix,
		&rec.DriverCount,
		&rec.SplitCount,
	)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = timeOrZero(startedUnix)
	rec.FinishedAt = timeOrZero(finishedUnix)
	return &rec, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func toRecord(info task.TaskInfo) TaskSnapshotRecord {
	var summary string
	for i, f := range info.Failures {
		if i > 0 {
			summary += "; "
		}
		summary += f
	}
	return TaskSnapshotRecord{
		TaskId:         string(info.TaskId),
		FinalState:     info.State.String(),
		Version:        info.Version,
		FailureSummary: summary,
		StartedAt:      info.StartedAt,
		FinishedAt:     info.FinishedAt,
		DriverCount:    info.DriverCount,
		SplitCount:     info.SplitCount,
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(unixNano int64) time.Time {
	if unixNano == 0 {
		return time.Time{}
	}
	return time.Unix(0, unixNano)
}
