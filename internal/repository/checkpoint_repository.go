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

type checkpointRepository struct {
	pool *pgxpool.Pool
}

// NewCheckpointRepository wires a checkpoint repository backed by pgxpool.
func NewCheckpointRepository(pool *pgxpool.Pool) CheckpointRepository {
	return &checkpointRepository{pool: pool}
}

func (r *checkpointRepository) Create(ctx context.Context, cp domain.Checkpoint) (domain.Checkpoint, error) {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO ingest_checkpoints
		   (session_id, job_id, file_name, sheet, total_rows, processed_rows, last_checkpoint_row, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cp.SessionID, cp.JobID, cp.FileName, cp.Sheet,
		cp.TotalRows, cp.ProcessedRows, cp.LastCheckpointRow, string(cp.Status),
	)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return cp, nil
}

const checkpointColumns = `session_id, job_id, file_name, sheet, total_rows,
	processed_rows, last_checkpoint_row, status, error_detail, created_at, updated_at`

func (r *checkpointRepository) Get(ctx context.Context, sessionID uuid.UUID) (domain.Checkpoint, error) {
	row := r.pool.QueryRow(
		ctx,
		`SELECT `+checkpointColumns+` FROM ingest_checkpoints WHERE session_id = $1`,
		sessionID,
	)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", sessionID, ErrNotFound)
	}
	return cp, err
}

func (r *checkpointRepository) FindResumable(ctx context.Context, jobID uuid.UUID) ([]domain.Checkpoint, error) {
	return r.findByStatus(ctx, jobID, domain.CheckpointStatusActive)
}

func (r *checkpointRepository) FindCompleted(ctx context.Context, jobID uuid.UUID) ([]domain.Checkpoint, error) {
	return r.findByStatus(ctx, jobID, domain.CheckpointStatusCompleted)
}

func (r *checkpointRepository) findByStatus(ctx context.Context, jobID uuid.UUID, status domain.CheckpointStatus) ([]domain.Checkpoint, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+checkpointColumns+`
		 FROM ingest_checkpoints
		 WHERE job_id = $1 AND status = $2
		 ORDER BY sheet`,
		jobID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s checkpoints: %w", status, err)
	}
	defer rows.Close()

	checkpoints := []domain.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

// Advance moves progress forward. The guard clauses enforce monotonicity in
// the database itself: a stale or out-of-order flush simply affects zero rows.
func (r *checkpointRepository) Advance(ctx context.Context, sessionID uuid.UUID, processed, lastRow int) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingest_checkpoints
		 SET processed_rows = $1, last_checkpoint_row = $2, updated_at = now()
		 WHERE session_id = $3
		   AND status = $4
		   AND processed_rows <= $1
		   AND (total_rows = 0 OR $1 <= total_rows)`,
		processed, lastRow, sessionID, string(domain.CheckpointStatusActive),
	)
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint %s rejected advance to %d rows", sessionID, processed)
	}
	return nil
}

func (r *checkpointRepository) MarkCompleted(ctx context.Context, sessionID uuid.UUID) error {
	return r.finish(ctx, sessionID, domain.CheckpointStatusCompleted, nil)
}

func (r *checkpointRepository) MarkFailed(ctx context.Context, sessionID uuid.UUID, detail string) error {
	return r.finish(ctx, sessionID, domain.CheckpointStatusFailed, &detail)
}

func (r *checkpointRepository) finish(ctx context.Context, sessionID uuid.UUID, status domain.CheckpointStatus, detail *string) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE ingest_checkpoints
		 SET status = $1, error_detail = $2, updated_at = now()
		 WHERE session_id = $3 AND status = $4`,
		string(status), detail, sessionID, string(domain.CheckpointStatusActive),
	)
	if err != nil {
		return fmt.Errorf("failed to finish checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint %s is not active", sessionID)
	}
	return nil
}

func scanCheckpoint(row pgx.Row) (domain.Checkpoint, error) {
	var (
		cp     domain.Checkpoint
		status string
		detail pgtype.Text
	)
	if err := row.Scan(
		&cp.SessionID, &cp.JobID, &cp.FileName, &cp.Sheet, &cp.TotalRows,
		&cp.ProcessedRows, &cp.LastCheckpointRow, &status, &detail,
		&cp.CreatedAt, &cp.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Checkpoint{}, err
		}
		return domain.Checkpoint{}, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	cp.Status = domain.CheckpointStatus(status)
	if detail.Valid {
		d := detail.String
		cp.ErrorDetail = &d
	}
	return cp, nil
}
