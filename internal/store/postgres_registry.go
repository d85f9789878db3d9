package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS upscale_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	original_filename TEXT NOT NULL DEFAULT '',
	input_path TEXT NOT NULL DEFAULT '',
	output_path TEXT NOT NULL DEFAULT '',
	extension TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS upscale_jobs_status_updated_at ON upscale_jobs (status, updated_at);
`

const selectJobSQL = `SELECT id, status, original_filename, input_path, output_path, extension, webhook_url, detail, created_at, updated_at
	FROM upscale_jobs
	WHERE id = $1`

type PostgresRegistry struct {
	db *sql.DB
}

func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	r := &PostgresRegistry{db: db}
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure upscale_jobs schema: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

func (r *PostgresRegistry) Create(ctx context.Context, job domain.Job) error {
	if !job.Status.Valid() {
		return fmt.Errorf("create job %s: unknown status %q", job.ID, job.Status)
	}

	res, err := r.db.ExecContext(
		ctx,
		`INSERT INTO upscale_jobs (id, status, original_filename, input_path, output_path, extension, webhook_url, detail, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID,
		string(job.Status),
		job.Files.OriginalFilename,
		job.Files.InputPath,
		job.Files.OutputPath,
		job.Files.Extension,
		job.WebhookURL,
		job.Detail,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	var (
		job    domain.Job
		status string
	)
	err := r.db.QueryRowContext(ctx, selectJobSQL, id).Scan(
		&job.ID,
		&status,
		&job.Files.OriginalFilename,
		&job.Files.InputPath,
		&job.Files.OutputPath,
		&job.Files.Extension,
		&job.WebhookURL,
		&job.Detail,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	job.Status = domain.Status(status)
	return job, true, nil
}

// UpdateStatus only matches rows still in Processing, so a terminal row is
// never overwritten even by concurrent writers.
func (r *PostgresRegistry) UpdateStatus(ctx context.Context, id string, status domain.Status, detail string) (domain.Job, error) {
	if err := domain.CheckTransition(domain.StatusProcessing, status); err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, err)
	}

	res, err := r.db.ExecContext(
		ctx,
		`UPDATE upscale_jobs
		 SET status = $1, detail = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(status),
		detail,
		time.Now().UTC(),
		id,
		string(domain.StatusProcessing),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}

	job, ok, err := r.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 && job.Status.Terminal() {
		return job, fmt.Errorf("job %s: %w: %s -> %s", id, domain.ErrInvalidTransition, job.Status, status)
	}
	return job, nil
}

func (r *PostgresRegistry) AttachFiles(ctx context.Context, id string, files domain.Files) (domain.Job, error) {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE upscale_jobs
		 SET original_filename = $1, input_path = $2, output_path = $3, extension = $4, updated_at = $5
		 WHERE id = $6`,
		files.OriginalFilename,
		files.InputPath,
		files.OutputPath,
		files.Extension,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("attach job files: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, _, err := r.Get(ctx, id)
	return job, err
}

func (r *PostgresRegistry) EvictTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(
		ctx,
		`DELETE FROM upscale_jobs WHERE status <> $1 AND updated_at < $2`,
		string(domain.StatusProcessing),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("evict jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict jobs: %w", err)
	}
	return int(n), nil
}

func (r *PostgresRegistry) Len(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upscale_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}
