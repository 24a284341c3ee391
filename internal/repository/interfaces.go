package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/avelacq/bulkstage/internal/domain"
)

// ErrJobStatusConflict signals that a guarded status transition found the
// job in a different state than expected. Callers treat it as "someone else
// already moved the job" rather than a failure.
var ErrJobStatusConflict = errors.New("job status conflict")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// JobRepository persists import job lifecycle state.
type JobRepository interface {
	Create(ctx context.Context, job domain.Job) (domain.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error)
	List(ctx context.Context, statuses []domain.JobStatus, limit, offset int) ([]domain.Job, error)
	// SetStatus performs a guarded transition; ErrJobStatusConflict when the
	// job is not in one of the expected statuses.
	SetStatus(ctx context.Context, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus) error
	UpdateCounters(ctx context.Context, id uuid.UUID, total, processed, valid, errorRows, inserted int) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

// RowBatch is one flush of staged rows plus the errors found while reading
// them, written together in one transaction with the checkpoint advance.
type RowBatch struct {
	Rows   []domain.StagedRow
	Errors []domain.StagedError
}

// StagingRepository is the durable holding area for raw, error, and valid
// rows, keyed by job id.
type StagingRepository interface {
	AppendBatch(ctx context.Context, batch RowBatch) error
	InsertErrors(ctx context.Context, errs []domain.StagedError) error
	Counts(ctx context.Context, jobID uuid.UUID) (StagingCounts, error)
	ErrorsByType(ctx context.Context, jobID uuid.UUID) (map[string]int, error)
	ListErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]domain.StagedError, error)
	RowRanges(ctx context.Context, jobID uuid.UUID) ([]SheetRange, error)
	// TrimAfter removes staged rows and errors past a checkpointed row so a
	// resumed session can re-stage them without key conflicts.
	TrimAfter(ctx context.Context, jobID uuid.UUID, sheet string, rowNumber int) error
	PurgeJob(ctx context.Context, jobID uuid.UUID) error
}

// StagingCounts aggregates a job's staged population.
type StagingCounts struct {
	RawRows        int
	ParseErrorRows int
	ValidRows      int
	ErrorRows      int // distinct non-parse rows with at least one error
	ErrorRecords   int
}

// SheetRange is the inclusive row-number span staged for one sheet.
type SheetRange struct {
	Sheet    string
	MinRow   int
	MaxRow   int
	RowCount int
}

// ValidationRepository runs the set-based validation steps. Every method is
// restricted to one (sheet, row-range) partition, is idempotent (the
// staging_errors key absorbs re-runs), and returns the number of error rows
// it added.
type ValidationRepository interface {
	InsertFieldErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, fields []domain.FieldDescriptor) (int, error)
	InsertDuplicateInFileErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, businessKey []string) (int, error)
	InsertDuplicateInStoreErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, businessKey []string, rule domain.ReferenceRule) (int, error)
	InsertReferenceErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, rule domain.ReferenceRule) (int, error)
	PromoteValidRows(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int) (int, error)
}

// ApplyRepository moves validated rows into permanent tables.
type ApplyRepository interface {
	// InsertLookupValues loads a reference table from the distinct staged
	// values of one field. Safe to re-run.
	InsertLookupValues(ctx context.Context, jobID uuid.UUID, lookup domain.LookupTarget) (int, error)
	// InsertDetailRows bulk-inserts valid rows into the target table,
	// skipping rows whose business key already exists there.
	InsertDetailRows(ctx context.Context, jobID uuid.UUID, template domain.Template) (int, error)
}

// CheckpointRepository persists resumable ingest progress.
type CheckpointRepository interface {
	Create(ctx context.Context, cp domain.Checkpoint) (domain.Checkpoint, error)
	Get(ctx context.Context, sessionID uuid.UUID) (domain.Checkpoint, error)
	FindResumable(ctx context.Context, jobID uuid.UUID) ([]domain.Checkpoint, error)
	// FindCompleted reports the sheets whose ingest pass already finished,
	// so a resumed job can skip re-staging them.
	FindCompleted(ctx context.Context, jobID uuid.UUID) ([]domain.Checkpoint, error)
	Advance(ctx context.Context, sessionID uuid.UUID, processed, lastRow int) error
	MarkCompleted(ctx context.Context, sessionID uuid.UUID) error
	MarkFailed(ctx context.Context, sessionID uuid.UUID, detail string) error
}
