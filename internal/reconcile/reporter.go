// Package reconcile produces the end-of-job accounting that proves every
// raw row was classified exactly once.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/avelacq/bulkstage/internal/domain"
	"github.com/avelacq/bulkstage/internal/repository"
)

// Reporter derives the final job summary from the staging store.
type Reporter struct {
	staging repository.StagingRepository
}

// NewReporter constructs a reconciliation reporter.
func NewReporter(staging repository.StagingRepository) *Reporter {
	return &Reporter{staging: staging}
}

// Summarize counts the job's staged population and checks the balance
// invariant: raw rows = parse errors + valid rows + error rows. An
// unbalanced summary means a row escaped classification and the job must
// not be reported as clean.
func (r *Reporter) Summarize(ctx context.Context, jobID uuid.UUID, appliedRows int, elapsed time.Duration) (domain.JobSummary, error) {
	counts, err := r.staging.Counts(ctx, jobID)
	if err != nil {
		return domain.JobSummary{}, fmt.Errorf("count staged rows: %w", err)
	}
	byType, err := r.staging.ErrorsByType(ctx, jobID)
	if err != nil {
		return domain.JobSummary{}, fmt.Errorf("aggregate errors: %w", err)
	}

	summary := domain.JobSummary{
		JobID:        jobID,
		RawRows:      counts.RawRows,
		ParseErrors:  counts.ParseErrorRows,
		ValidRows:    counts.ValidRows,
		ErrorRows:    counts.ErrorRows,
		AppliedRows:  appliedRows,
		ErrorsByType: byType,
		Balanced:     counts.RawRows == counts.ParseErrorRows+counts.ValidRows+counts.ErrorRows,
		Elapsed:      elapsed,
	}

	if !summary.Balanced {
		log.Printf("[reconcile] job %s UNBALANCED: raw=%d parse=%d valid=%d error=%d",
			jobID, counts.RawRows, counts.ParseErrorRows, counts.ValidRows, counts.ErrorRows)
	} else {
		log.Printf("[reconcile] job %s balanced: raw=%d valid=%d error=%d applied=%d in %s",
			jobID, counts.RawRows, counts.ValidRows, counts.ErrorRows, appliedRows, elapsed.Round(time.Millisecond))
	}
	return summary, nil
}
