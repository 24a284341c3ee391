package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avelacq/bulkstage/internal/domain"
)

type stagingRepository struct {
	pool *pgxpool.Pool
}

// NewStagingRepository wires the staging store backed by pgxpool.
func NewStagingRepository(pool *pgxpool.Pool) StagingRepository {
	return &stagingRepository{pool: pool}
}

// AppendBatch copies one flush of raw rows into staging_rows and records
// any reader-level errors, all in one transaction so a crash cannot leave
// rows without their error records.
func (r *stagingRepository) AppendBatch(ctx context.Context, batch RowBatch) error {
	if len(batch.Rows) == 0 && len(batch.Errors) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin staging batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(batch.Rows) > 0 {
		copyRows := make([][]any, 0, len(batch.Rows))
		for _, row := range batch.Rows {
			fields, err := json.Marshal(row.Fields)
			if err != nil {
				return fmt.Errorf("failed to encode row %d fields: %w", row.RowNumber, err)
			}
			copyRows = append(copyRows, []any{row.JobID, row.Sheet, row.RowNumber, fields, row.ParseError})
		}
		if _, err := tx.CopyFrom(
			ctx,
			pgx.Identifier{"staging_rows"},
			[]string{"job_id", "sheet", "row_number", "fields", "parse_error"},
			pgx.CopyFromRows(copyRows),
		); err != nil {
			return fmt.Errorf("failed to copy staged rows: %w", err)
		}
	}

	if err := insertErrors(ctx, tx, batch.Errors); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit staging batch: %w", err)
	}
	return nil
}

func (r *stagingRepository) InsertErrors(ctx context.Context, errs []domain.StagedError) error {
	if len(errs) == 0 {
		return nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin error insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertErrors(ctx, tx, errs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit error insert: %w", err)
	}
	return nil
}

func insertErrors(ctx context.Context, tx pgx.Tx, errs []domain.StagedError) error {
	if len(errs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, e := range errs {
		var snapshot any
		if e.Snapshot != nil {
			encoded, err := json.Marshal(e.Snapshot)
			if err != nil {
				return fmt.Errorf("failed to encode error snapshot: %w", err)
			}
			snapshot = encoded
		}
		b.Queue(
			`INSERT INTO staging_errors (job_id, sheet, row_number, error_type, field, value, message, snapshot)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (job_id, sheet, row_number, error_type) DO NOTHING`,
			e.JobID, e.Sheet, e.RowNumber, string(e.ErrorType), e.Field, e.Value, e.Message, snapshot,
		)
	}
	results := tx.SendBatch(ctx, b)
	defer func() { _ = results.Close() }()
	for range errs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert staged error: %w", err)
		}
	}
	return nil
}

func (r *stagingRepository) Counts(ctx context.Context, jobID uuid.UUID) (StagingCounts, error) {
	var counts StagingCounts
	err := r.pool.QueryRow(
		ctx,
		`SELECT
		   (SELECT count(*) FROM staging_rows WHERE job_id = $1),
		   (SELECT count(*) FROM staging_rows WHERE job_id = $1 AND parse_error),
		   (SELECT count(*) FROM staging_valid WHERE job_id = $1),
		   (SELECT count(DISTINCT (e.sheet, e.row_number))
		      FROM staging_errors e
		      JOIN staging_rows r
		        ON r.job_id = e.job_id AND r.sheet = e.sheet AND r.row_number = e.row_number
		      WHERE e.job_id = $1 AND NOT r.parse_error),
		   (SELECT count(*) FROM staging_errors WHERE job_id = $1)`,
		jobID,
	).Scan(&counts.RawRows, &counts.ParseErrorRows, &counts.ValidRows, &counts.ErrorRows, &counts.ErrorRecords)
	if err != nil {
		return StagingCounts{}, fmt.Errorf("failed to count staged rows: %w", err)
	}
	return counts, nil
}

func (r *stagingRepository) ErrorsByType(ctx context.Context, jobID uuid.UUID) (map[string]int, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT error_type, count(*) FROM staging_errors WHERE job_id = $1 GROUP BY error_type`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate errors: %w", err)
	}
	defer rows.Close()

	byType := map[string]int{}
	for rows.Next() {
		var errorType string
		var count int
		if err := rows.Scan(&errorType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan error aggregate: %w", err)
		}
		byType[errorType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate error aggregates: %w", err)
	}
	return byType, nil
}

func (r *stagingRepository) ListErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]domain.StagedError, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.pool.Query(
		ctx,
		`SELECT job_id, sheet, row_number, error_type, field, value, message, snapshot, created_at
		 FROM staging_errors
		 WHERE job_id = $1
		 ORDER BY sheet, row_number, error_type
		 LIMIT $2 OFFSET $3`,
		jobID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged errors: %w", err)
	}
	defer rows.Close()

	errs := []domain.StagedError{}
	for rows.Next() {
		var (
			e         domain.StagedError
			errorType string
			snapshot  []byte
		)
		if err := rows.Scan(&e.JobID, &e.Sheet, &e.RowNumber, &errorType, &e.Field, &e.Value, &e.Message, &snapshot, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan staged error: %w", err)
		}
		e.ErrorType = domain.ErrorType(errorType)
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
				return nil, fmt.Errorf("failed to decode error snapshot: %w", err)
			}
		}
		errs = append(errs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate staged errors: %w", err)
	}
	return errs, nil
}

func (r *stagingRepository) RowRanges(ctx context.Context, jobID uuid.UUID) ([]SheetRange, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT sheet, min(row_number), max(row_number), count(*)
		 FROM staging_rows
		 WHERE job_id = $1
		 GROUP BY sheet
		 ORDER BY sheet`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read row ranges: %w", err)
	}
	defer rows.Close()

	ranges := []SheetRange{}
	for rows.Next() {
		var sr SheetRange
		if err := rows.Scan(&sr.Sheet, &sr.MinRow, &sr.MaxRow, &sr.RowCount); err != nil {
			return nil, fmt.Errorf("failed to scan row range: %w", err)
		}
		ranges = append(ranges, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate row ranges: %w", err)
	}
	return ranges, nil
}

func (r *stagingRepository) TrimAfter(ctx context.Context, jobID uuid.UUID, sheet string, rowNumber int) error {
	if _, err := r.pool.Exec(
		ctx,
		`DELETE FROM staging_errors WHERE job_id = $1 AND sheet = $2 AND row_number > $3`,
		jobID, sheet, rowNumber,
	); err != nil {
		return fmt.Errorf("failed to trim staged errors: %w", err)
	}
	if _, err := r.pool.Exec(
		ctx,
		`DELETE FROM staging_rows WHERE job_id = $1 AND sheet = $2 AND row_number > $3`,
		jobID, sheet, rowNumber,
	); err != nil {
		return fmt.Errorf("failed to trim staged rows: %w", err)
	}
	return nil
}

func (r *stagingRepository) PurgeJob(ctx context.Context, jobID uuid.UUID) error {
	// staging_valid cascades from staging_rows; errors key off the job.
	if _, err := r.pool.Exec(ctx, `DELETE FROM staging_errors WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to purge staged errors: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM staging_rows WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("failed to purge staged rows: %w", err)
	}
	return nil
}
