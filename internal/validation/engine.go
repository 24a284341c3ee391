// Package validation classifies every staged row exactly once, using bulk
// set operations instead of per-row queries. Large jobs are split into
// fixed-size row-number partitions that validate concurrently under a
// bounded worker pool.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/avelacq/bulkstage/internal/config"
	"github.com/avelacq/bulkstage/internal/domain"
	"github.com/avelacq/bulkstage/internal/repository"
)

// ErrStepTimeout marks a validation step that exceeded its time budget, so
// operators can tell "stuck" apart from "rejected".
var ErrStepTimeout = errors.New("validation step exceeded its time budget")

// StepResult records one completed step for diagnostics. Results of steps
// that finished before a failure are retained.
type StepResult struct {
	Step      string
	Sheet     string
	FromRow   int
	ToRow     int
	RowsAdded int
	Duration  time.Duration
}

// Result aggregates a validation run.
type Result struct {
	Steps       []StepResult
	ErrorsAdded int
	Promoted    int
}

// Engine runs the staged validation steps for one job.
type Engine struct {
	repo    repository.ValidationRepository
	staging repository.StagingRepository
	cfg     config.ValidationConfig
}

// NewEngine constructs a validation engine.
func NewEngine(repo repository.ValidationRepository, staging repository.StagingRepository, cfg config.ValidationConfig) *Engine {
	return &Engine{repo: repo, staging: staging, cfg: cfg}
}

type span struct {
	sheet string
	lo    int
	hi    int
}

// Run validates every staged row of the job. Partitions are independent
// and idempotent; a semaphore caps how many are in flight at once so the
// backing store is not exhausted.
func (e *Engine) Run(ctx context.Context, jobID uuid.UUID, template domain.Template) (Result, error) {
	ranges, err := e.staging.RowRanges(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("load staged row ranges: %w", err)
	}
	spans := partition(ranges, e.cfg.PartitionThreshold, e.cfg.PartitionSize)

	var (
		mu     sync.Mutex
		result Result
	)
	collect := func(steps []StepResult, errorsAdded, promoted int) {
		mu.Lock()
		defer mu.Unlock()
		result.Steps = append(result.Steps, steps...)
		result.ErrorsAdded += errorsAdded
		result.Promoted += promoted
	}

	sem := semaphore.NewWeighted(int64(e.cfg.MaxConcurrent))
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range spans {
		s := s
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			steps, errorsAdded, promoted, err := e.validateSpan(gctx, jobID, template, s)
			collect(steps, errorsAdded, promoted)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	log.Printf("[validation] job %s classified (errors=%d promoted=%d partitions=%d)",
		jobID, result.ErrorsAdded, result.Promoted, len(spans))
	return result, nil
}

// validateSpan runs steps 1-4 for one partition. Every step is a single
// bulk statement; re-running any of them adds nothing thanks to the
// staging_errors key and the promote conflict clause.
func (e *Engine) validateSpan(ctx context.Context, jobID uuid.UUID, template domain.Template, s span) ([]StepResult, int, int, error) {
	var steps []StepResult
	var errorsAdded, promoted int

	run := func(name string, fn func(context.Context) (int, error)) (int, error) {
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		defer cancel()
		start := time.Now()
		n, err := fn(stepCtx)
		elapsed := time.Since(start)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return 0, fmt.Errorf("%w: step %s on sheet %s rows %d-%d after %s",
					ErrStepTimeout, name, s.sheet, s.lo, s.hi, elapsed.Round(time.Millisecond))
			}
			return 0, fmt.Errorf("step %s on sheet %s rows %d-%d: %w", name, s.sheet, s.lo, s.hi, err)
		}
		steps = append(steps, StepResult{
			Step: name, Sheet: s.sheet, FromRow: s.lo, ToRow: s.hi,
			RowsAdded: n, Duration: elapsed,
		})
		return n, nil
	}

	n, err := run("field_rules", func(c context.Context) (int, error) {
		return e.repo.InsertFieldErrors(c, jobID, s.sheet, s.lo, s.hi, template.Fields)
	})
	if err != nil {
		return steps, errorsAdded, promoted, err
	}
	errorsAdded += n

	if len(template.BusinessKey) > 0 {
		n, err = run("duplicate_in_file", func(c context.Context) (int, error) {
			return e.repo.InsertDuplicateInFileErrors(c, jobID, s.sheet, s.lo, s.hi, template.BusinessKey)
		})
		if err != nil {
			return steps, errorsAdded, promoted, err
		}
		errorsAdded += n
	}

	if template.UniqueIn != nil && len(template.BusinessKey) > 0 {
		n, err = run("duplicate_in_store", func(c context.Context) (int, error) {
			return e.repo.InsertDuplicateInStoreErrors(c, jobID, s.sheet, s.lo, s.hi, template.BusinessKey, *template.UniqueIn)
		})
		if err != nil {
			return steps, errorsAdded, promoted, err
		}
		errorsAdded += n
	}

	for _, rule := range template.References {
		rule := rule
		n, err = run("reference_"+rule.Field, func(c context.Context) (int, error) {
			return e.repo.InsertReferenceErrors(c, jobID, s.sheet, s.lo, s.hi, rule)
		})
		if err != nil {
			return steps, errorsAdded, promoted, err
		}
		errorsAdded += n
	}

	n, err = run("promote", func(c context.Context) (int, error) {
		return e.repo.PromoteValidRows(c, jobID, s.sheet, s.lo, s.hi)
	})
	if err != nil {
		return steps, errorsAdded, promoted, err
	}
	promoted += n

	return steps, errorsAdded, promoted, nil
}

// partition splits each sheet's staged span into fixed-size row-number
// ranges once it crosses the threshold. Rule evaluation is range
// independent, so results across partitions union cleanly.
func partition(ranges []repository.SheetRange, threshold, size int) []span {
	var spans []span
	for _, r := range ranges {
		if r.RowCount == 0 {
			continue
		}
		if threshold <= 0 || r.RowCount <= threshold || size <= 0 {
			spans = append(spans, span{sheet: r.Sheet, lo: r.MinRow, hi: r.MaxRow})
			continue
		}
		for lo := r.MinRow; lo <= r.MaxRow; lo += size {
			hi := lo + size - 1
			if hi > r.MaxRow {
				hi = r.MaxRow
			}
			spans = append(spans, span{sheet: r.Sheet, lo: lo, hi: hi})
		}
	}
	return spans
}
