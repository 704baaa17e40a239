package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the relational store holding projects, pull requests, jobs,
// builds and per-build SHA records.
type DB struct {
	conn *sql.DB
}

// Project is a repository tracked by cinch, identified by (owner, name).
// BaseTip is nil until the first base-branch push has been observed.
type Project struct {
	ID            int64
	Owner         string
	Name          string
	BaseTip       *string
	PublishStatus bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PullRequest is identified by (project_id, number); number comes from the
// source-control provider. Ahead, Behind and IsMergeable are nil while the
// relative state is stale.
type PullRequest struct {
	ProjectID   int64
	Number      int
	Head        string
	MergeHead   *string
	Author      string
	Title       string
	IsOpen      bool
	Ahead       *int
	Behind      *int
	IsMergeable *bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Job is a CI job spanning one or more projects. ProjectIDs is the ordered
// list of projects whose SHAs must all be pinned for a build to be matchable.
type Job struct {
	ID         int64
	Name       string
	ProjectIDs []int64
}

// Build is keyed by (job_id, build_number). Success is nil while the build
// is running or was never reported.
type Build struct {
	ID          int64
	JobID       int64
	BuildNumber int
	Success     *bool
	Status      string
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	base_tip TEXT,
	publish_status INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE(owner, name)
);

CREATE TABLE IF NOT EXISTS pull_requests (
	project_id INTEGER NOT NULL REFERENCES projects(id),
	number INTEGER NOT NULL,
	head TEXT NOT NULL,
	merge_head TEXT,
	author TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	is_open INTEGER NOT NULL DEFAULT 1,
	ahead INTEGER,
	behind INTEGER,
	is_mergeable INTEGER,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (project_id, number)
);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS job_projects (
	job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	position INTEGER NOT NULL DEFAULT 0,
	parameter_name TEXT,
	PRIMARY KEY (job_id, project_id)
);

CREATE TABLE IF NOT EXISTS builds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES jobs(id),
	build_number INTEGER NOT NULL,
	success INTEGER,
	status TEXT NOT NULL DEFAULT '',
	UNIQUE(job_id, build_number)
);

CREATE TABLE IF NOT EXISTS build_shas (
	build_id INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	sha TEXT NOT NULL,
	PRIMARY KEY (build_id, project_id)
);
`

// NotFoundError reports a missing entity. At the HTTP boundary it becomes a
// 404; in the worker it is logged and the message is acked.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// DefaultPath returns the dev-default database location under the user's
// home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	dir := filepath.Join(home, ".cinch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "cinch.db"), nil
}

// Open opens (creating if needed) the database at path and runs the
// forward-only schema migration.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Tx runs fn within a database transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (db *DB) Tx(fn func(tx *sql.Tx) error) error {
	sqlTx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func timeNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
