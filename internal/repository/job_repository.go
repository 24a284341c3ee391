package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelacq/bulkstage/internal/domain"
)

type jobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository wires a job repository backed by pgxpool.
func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepository{pool: pool}
}

func (r *jobRepository) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO import_jobs (id, file_name, template, submitted_by, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.FileName, job.Template, job.SubmittedBy, string(job.Status), job.CreatedAt,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

const jobColumns = `id, file_name, template, submitted_by, status,
	total_rows, processed_rows, valid_rows, error_rows, inserted_rows,
	error_message, created_at, started_at, completed_at`

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

func (r *jobRepository) List(ctx context.Context, statuses []domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + jobColumns + ` FROM import_jobs`
	args := []any{}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, s := range statuses {
			values[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, values)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func (r *jobRepository) SetStatus(ctx context.Context, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus) error {
	fromValues := make([]string, len(from))
	for i, s := range from {
		fromValues[i] = string(s)
	}

	tag, err := r.pool.Exec(
		ctx,
		`UPDATE import_jobs
		 SET status = $1,
		     started_at = COALESCE(started_at, now())
		 WHERE id = $2 AND status = ANY($3)`,
		string(to), id, fromValues,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not in %v: %w", id, from, ErrJobStatusConflict)
	}
	return nil
}

func (r *jobRepository) UpdateCounters(ctx context.Context, id uuid.UUID, total, processed, valid, errorRows, inserted int) error {
	_, err := r.pool.Exec(
		ctx,
		`UPDATE import_jobs
		 SET total_rows = $1, processed_rows = $2, valid_rows = $3,
		     error_rows = $4, inserted_rows = $5
		 WHERE id = $6`,
		total, processed, valid, errorRows, inserted, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job counters: %w", err)
	}
	return nil
}

func (r *jobRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE import_jobs
		 SET status = $1, completed_at = now()
		 WHERE id = $2 AND status NOT IN ($3, $4)`,
		string(domain.JobStatusCompleted), id,
		string(domain.JobStatusCompleted), string(domain.JobStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s already terminal: %w", id, ErrJobStatusConflict)
	}
	return nil
}

func (r *jobRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE import_jobs
		 SET status = $1, error_message = $2, completed_at = now()
		 WHERE id = $3 AND status NOT IN ($4, $5)`,
		string(domain.JobStatusFailed), message, id,
		string(domain.JobStatusCompleted), string(domain.JobStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s already terminal: %w", id, ErrJobStatusConflict)
	}
	return nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		job          domain.Job
		status       string
		errorMessage pgtype.Text
		startedAt    pgtype.Timestamptz
		completedAt  pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID, &job.FileName, &job.Template, &job.SubmittedBy, &status,
		&job.TotalRows, &job.ProcessedRows, &job.ValidRows, &job.ErrorRows, &job.InsertedRows,
		&errorMessage, &job.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Status = domain.JobStatus(status)
	if errorMessage.Valid {
		msg := errorMessage.String
		job.ErrorMessage = &msg
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}
