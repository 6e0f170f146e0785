package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/reimagine/internal/domain"
	"github.com/lib/pq"
)

const (
	activeOwnerConstraint = "jobs_one_active_per_owner"
	uniqueViolation       = "23505"

	jobColumns = `id, owner_id, prompt, input_ref, result_ref, provider_job_id, status, created_at, updated_at`
)

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresJobStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts the job. The partial unique index on active rows per owner
// turns a concurrent second submission into domain.ErrAdmissionDenied.
func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, owner_id, prompt, input_ref, result_ref, provider_job_id, status, status_rank, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID,
		job.OwnerID,
		job.Prompt,
		job.InputRef,
		nullString(job.ResultRef),
		nullString(job.ProviderJobID),
		job.Status.String(),
		job.Status.Rank(),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation && pqErr.Constraint == activeOwnerConstraint {
			return domain.ErrAdmissionDenied
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanOptionalJob(row)
}

func (s *PostgresJobStore) GetForOwner(ctx context.Context, id, ownerID string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanOptionalJob(row)
}

func (s *PostgresJobStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE owner_id = $1
		 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs by owner: %w", err)
	}
	return collectJobs(rows)
}

// Transition is domain.Job.Apply expressed as one conditional UPDATE so that
// concurrent callback and poll writers never observe a partial write. A
// COMPLETED observation with no locator on either side lands as FAILED; both
// share a rank, so the guard is unchanged.
func (s *PostgresJobStore) Transition(ctx context.Context, id string, obs domain.Observation) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET status = CASE
		       WHEN $2::text = 'COMPLETED' AND COALESCE(result_ref, NULLIF($4::text, '')) IS NULL THEN 'FAILED'
		       ELSE $2::text
		     END,
		     status_rank = $3::smallint,
		     result_ref = CASE WHEN $2::text = 'COMPLETED' THEN COALESCE(result_ref, NULLIF($4::text, '')) ELSE result_ref END,
		     updated_at = $5
		 WHERE id = $1
		   AND (
		     status_rank < $3::smallint
		     OR (status = 'COMPLETED' AND $2::text = 'COMPLETED' AND result_ref IS NULL AND NULLIF($4::text, '') IS NOT NULL)
		   )
		 RETURNING `+jobColumns,
		id,
		obs.Status.String(),
		obs.Status.Rank(),
		obs.ResultRef,
		s.now(),
	)

	job, ok, err := scanOptionalJob(row)
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("transition job: %w", err)
	}
	if ok {
		return job, true, nil
	}

	job, ok, err = s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, false, err
	}
	if !ok {
		return domain.Job{}, false, ErrJobNotFound
	}
	return job, false, nil
}

func (s *PostgresJobStore) AttachProviderJob(ctx context.Context, id, providerJobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET provider_job_id = $2, updated_at = $3
		 WHERE id = $1
		 RETURNING `+jobColumns,
		id,
		providerJobID,
		s.now(),
	)

	job, ok, err := scanOptionalJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("attach provider job: %w", err)
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *PostgresJobStore) FailOrphans(ctx context.Context, createdBefore time.Time) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`UPDATE jobs
		 SET status = 'FAILED', status_rank = $2, updated_at = $3
		 WHERE status = 'IN_QUEUE' AND provider_job_id IS NULL AND created_at < $1
		 RETURNING `+jobColumns,
		createdBefore,
		domain.StatusFailed.Rank(),
		s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("fail orphaned jobs: %w", err)
	}
	return collectJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job           domain.Job
		resultRef     sql.NullString
		providerJobID sql.NullString
		status        string
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Prompt,
		&job.InputRef,
		&resultRef,
		&providerJobID,
		&status,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return domain.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.Status = parsed
	job.ResultRef = resultRef.String
	job.ProviderJobID = providerJobID.String
	return job, nil
}

func scanOptionalJob(row rowScanner) (domain.Job, bool, error) {
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func collectJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
