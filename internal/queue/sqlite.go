package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"jobdispatch/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('QUEUED','IN_PROGRESS','RETRY','FAILED','COMPLETED')) DEFAULT 'QUEUED',
  retry_count INTEGER NOT NULL DEFAULT 0,
  required_capabilities TEXT NOT NULL DEFAULT '[]',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`
	_, err := db.Exec(schema)
	return err
}

// OpenSQLite opens (creating if needed) the database file at path and ensures the schema.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

const jobColumns = `id,name,type,payload,status,retry_count,required_capabilities,created_at,updated_at`

type sqliteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteStore expects a database prepared with EnsureSchema.
func NewSQLiteStore(db *sql.DB, clk clock.Clock) JobStore {
	if clk == nil {
		clk = clock.New()
	}
	return &sqliteStore{db: db, clock: clk}
}

func (r *sqliteStore) Save(ctx context.Context, j domain.Job) error {
	payload, err := json.Marshal(nonNilPayload(j.Payload))
	if err != nil {
		return fmt.Errorf("encode payload of %s: %w", j.ID, err)
	}
	caps, err := json.Marshal(nonNilStrings(j.RequiredCapabilities))
	if err != nil {
		return fmt.Errorf("encode capabilities of %s: %w", j.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  type=excluded.type,
  payload=excluded.payload,
  status=excluded.status,
  retry_count=excluded.retry_count,
  required_capabilities=excluded.required_capabilities,
  created_at=excluded.created_at,
  updated_at=excluded.updated_at
`, j.ID, j.Name, j.Type, string(payload), string(j.Status), j.RetryCount, string(caps), j.CreatedAt.UTC(), j.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save job %s: %w", j.ID, err)
	}
	return nil
}

func (r *sqliteStore) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status=?, updated_at=?
WHERE id=? AND (status <> 'FAILED' OR ? = 'FAILED')`,
		string(status), r.clock.Now().UTC(), id, string(status))
	if err != nil {
		return fmt.Errorf("update status of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Debug().Str("job_id", id).Str("status", string(status)).Msg("status update matched no job")
	}
	return nil
}

func (r *sqliteStore) FindByID(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("find job %s: %w", id, err)
	}
	return j, nil
}

func (r *sqliteStore) FindAll(ctx context.Context) ([]domain.Job, error) {
	return r.query(ctx, `SELECT `+jobColumns+` FROM jobs`)
}

func (r *sqliteStore) PendingJobs(ctx context.Context) ([]domain.Job, error) {
	return r.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN ('QUEUED','RETRY')`)
}

func (r *sqliteStore) Close() error { return r.db.Close() }

func (r *sqliteStore) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, error) {
	var (
		j       domain.Job
		status  string
		payload string
		caps    string
	)
	if err := s.Scan(&j.ID, &j.Name, &j.Type, &payload, &status, &j.RetryCount, &caps, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return domain.Job{}, fmt.Errorf("decode payload of %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(caps), &j.RequiredCapabilities); err != nil {
		return domain.Job{}, fmt.Errorf("decode capabilities of %s: %w", j.ID, err)
	}
	j.Payload = nonNilPayload(j.Payload)
	j.RequiredCapabilities = nonNilStrings(j.RequiredCapabilities)
	return j, nil
}

func nonNilPayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
