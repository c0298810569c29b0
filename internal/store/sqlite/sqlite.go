// Package sqlite is a job record store backed by a local SQLite database
// (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/jobrelay/pkg/types"
)

// SchemaVersion is the schema written by Migrate.
const SchemaVersion = 1

// Store persists job records in a single table.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database at path, applies the
// schema and returns the store. ":memory:" opens a private in-memory
// database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn, err := buildDSN(path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	// One connection: writes are serialized anyway and an in-memory
	// database only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job store: %w", err)
	}
	if err := configure(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func buildDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("job store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create store directory: %w", err)
		}
	}
	return "file:" + filepath.Clean(path), nil
}

func configure(ctx context.Context, db *sql.DB, dsn string) error {
	if !strings.HasPrefix(dsn, "file:") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Migrate creates the schema in place.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			definition BLOB,
			device_scope TEXT,
			state TEXT NOT NULL,
			revision INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("job store schema version %d is newer than supported %d", current, SchemaVersion)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

const upsertJob = `
INSERT INTO jobs (job_id, definition, device_scope, state, revision, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
	definition   = excluded.definition,
	device_scope = excluded.device_scope,
	state        = excluded.state,
	revision     = excluded.revision,
	created_at   = excluded.created_at,
	updated_at   = excluded.updated_at
WHERE excluded.revision > jobs.revision`

// Persist upserts job. The update only applies when it advances the stored
// revision; otherwise types.ErrStaleWrite is returned.
func (s *Store) Persist(ctx context.Context, job types.Job) error {
	if job.ID == "" {
		return errors.New("sqlite: job id is empty")
	}

	var scope sql.NullString
	if job.DeviceScope != nil {
		scope = sql.NullString{String: *job.DeviceScope, Valid: true}
	}
	var definition any
	if job.Definition != nil {
		definition = []byte(job.Definition)
	}

	res, err := s.db.ExecContext(ctx, upsertJob,
		string(job.ID),
		definition,
		scope,
		string(job.State),
		int64(job.Revision),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s revision %d", types.ErrStaleWrite, job.ID, job.Revision)
	}
	return nil
}

// Load reads the record for id.
func (s *Store) Load(ctx context.Context, id types.JobID) (types.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT definition, device_scope, state, revision, created_at, updated_at
		FROM jobs WHERE job_id = ?`, string(id))

	var (
		definition []byte
		scope      sql.NullString
		state      string
		revision   int64
		job        = types.Job{ID: id}
	)
	if err := row.Scan(&definition, &scope, &state, &revision, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Job{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
		}
		return types.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}

	if len(definition) > 0 {
		job.Definition = definition
	}
	if scope.Valid {
		v := scope.String
		job.DeviceScope = &v
	}
	job.State = types.LifecycleState(state)
	job.Revision = uint64(revision)
	return job, nil
}

// Stats counts stored records by state.
func (s *Store) Stats(ctx context.Context) (map[types.LifecycleState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	out := make(map[types.LifecycleState]int)
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("job stats: %w", err)
		}
		out[types.LifecycleState(state)] = count
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
