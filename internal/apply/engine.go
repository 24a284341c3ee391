// Package apply moves validated rows from staging into permanent tables.
// Lookup tables load before detail rows so foreign keys resolve, and every
// statement is retried on transient database failures.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/avelacq/bulkstage/internal/config"
	"github.com/avelacq/bulkstage/internal/domain"
	"github.com/avelacq/bulkstage/internal/repository"
)

// Result reports what the apply phase inserted, including partial progress
// when a later level failed.
type Result struct {
	LookupRows  int
	DetailRows  int
	FailedLevel string
}

// Engine drives the apply phase for one job.
type Engine struct {
	repo repository.ApplyRepository
	cfg  config.ApplyConfig
}

// NewEngine constructs an apply engine.
func NewEngine(repo repository.ApplyRepository, cfg config.ApplyConfig) *Engine {
	return &Engine{repo: repo, cfg: cfg}
}

// Run applies the job's validated rows in dependency order. A failure
// reports the level that failed along with rows already inserted; because
// every level is idempotent the whole phase can simply be rerun.
func (e *Engine) Run(ctx context.Context, jobID uuid.UUID, template domain.Template) (Result, error) {
	var result Result

	for _, lookup := range template.Target.Lookups {
		lookup := lookup
		n, err := e.withRetry(ctx, "lookup "+lookup.Table, func(c context.Context) (int, error) {
			return e.repo.InsertLookupValues(c, jobID, lookup)
		})
		if err != nil {
			result.FailedLevel = "lookup:" + lookup.Table
			return result, fmt.Errorf("load lookup %s: %w", lookup.Table, err)
		}
		result.LookupRows += n
	}

	n, err := e.withRetry(ctx, "detail "+template.Target.Table, func(c context.Context) (int, error) {
		return e.repo.InsertDetailRows(c, jobID, template)
	})
	if err != nil {
		result.FailedLevel = "detail:" + template.Target.Table
		return result, fmt.Errorf("insert detail rows: %w", err)
	}
	result.DetailRows = n

	log.Printf("[apply] job %s applied (lookups=%d detail=%d)", jobID, result.LookupRows, result.DetailRows)
	return result, nil
}

// withRetry retries transient failures with exponential backoff. Constraint
// violations and other permanent errors fail immediately.
func (e *Engine) withRetry(ctx context.Context, name string, fn func(context.Context) (int, error)) (int, error) {
	backoff := e.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("[apply] retrying %s (attempt %d/%d): %v", name, attempt, e.cfg.MaxRetries, lastErr)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		n, err := fn(ctx)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !isTransient(err) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("gave up after %d retries: %w", e.cfg.MaxRetries, lastErr)
}

// isTransient reports whether the error is worth retrying. Postgres class
// 08 covers connection failures, 40001/40P01 serialization and deadlock.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		switch pgErr.Code {
		case "40001", "40P01", "57P03":
			return true
		}
		return false
	}
	// Network-level errors surface outside PgError.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
