package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// Register the pure-Go SQLite driver (no CGO required).
	_ "modernc.org/sqlite"
)

// schema is created on every Open; IF NOT EXISTS makes it idempotent across
// programs sharing one journal file.
const schema = `
CREATE TABLE IF NOT EXISTS launches (
	id         TEXT PRIMARY KEY,
	pid        INTEGER NOT NULL,
	port       INTEGER NOT NULL,
	exe        TEXT NOT NULL,
	owner_pid  INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	stopped_at INTEGER
);
CREATE INDEX IF NOT EXISTS launches_live ON launches (stopped_at) WHERE stopped_at IS NULL;
`

// Record is one journaled launch. StoppedAt is the zero time while the
// launch is live.
type Record struct {
	ID        string
	PID       int
	Port      int
	Exe       string
	OwnerPID  int
	StartedAt time.Time
	StoppedAt time.Time
}

// Live reports whether the launch has not been marked stopped.
func (r Record) Live() bool {
	return r.StoppedAt.IsZero()
}

// Journal is a WAL-mode SQLite launch journal. Multiple programs may share
// one journal file; the busy timeout absorbs their write contention.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path. The parent directory
// is created with owner-only permissions since the journal records which
// local ports carry unauthenticated test servers.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Single connection: the journal sees a handful of statements per
	// session lifetime, not concurrent query load.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the database handle. Safe on a nil journal so callers can
// defer it unconditionally.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordSpawn inserts a live launch record and returns its id.
func (j *Journal) RecordSpawn(ctx context.Context, pid, port int, exe string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx, `
INSERT INTO launches (id, pid, port, exe, owner_pid, started_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		id, pid, port, exe, os.Getpid(), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("record spawn pid %d: %w", pid, err)
	}
	return id, nil
}

// RecordStop marks the launch with the given id as stopped. Marking a
// record that is already stopped, or one that does not exist, is a no-op:
// the reaper and the owning supervisor may race to record the same stop.
func (j *Journal) RecordStop(ctx context.Context, id string) error {
	_, err := j.db.ExecContext(ctx, `
UPDATE launches SET stopped_at = ? WHERE id = ? AND stopped_at IS NULL`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record stop %s: %w", id, err)
	}
	return nil
}

// LiveRecords returns every launch not yet marked stopped, oldest first.
func (j *Journal) LiveRecords(ctx context.Context) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, pid, port, exe, owner_pid, started_at
FROM launches WHERE stopped_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("query live launches: %w", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err() below catches read errors

	var recs []Record
	for rows.Next() {
		var r Record
		var started int64
		if err := rows.Scan(&r.ID, &r.PID, &r.Port, &r.Exe, &r.OwnerPID, &started); err != nil {
			return nil, fmt.Errorf("scan launch row: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate launch rows: %w", err)
	}
	return recs, nil
}

// Prune deletes stopped records older than cutoff so the journal does not
// grow without bound across many test runs. Returns the number removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := j.db.ExecContext(ctx, `
DELETE FROM launches WHERE stopped_at IS NOT NULL AND stopped_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return int(n), nil
}
