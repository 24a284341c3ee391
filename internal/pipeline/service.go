// Package pipeline orchestrates the four phases of an import job: ingest,
// validate, apply, reconcile. One worker goroutine owns each running job;
// status queries read the job record concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avelacq/bulkstage/internal/apply"
	"github.com/avelacq/bulkstage/internal/config"
	"github.com/avelacq/bulkstage/internal/domain"
	"github.com/avelacq/bulkstage/internal/output"
	"github.com/avelacq/bulkstage/internal/reader"
	"github.com/avelacq/bulkstage/internal/reconcile"
	"github.com/avelacq/bulkstage/internal/registry"
	"github.com/avelacq/bulkstage/internal/repository"
	"github.com/avelacq/bulkstage/internal/validation"
)

var (
	// ErrJobNotRunning is returned when a cancel targets a job that has no
	// live worker.
	ErrJobNotRunning = errors.New("job is not running")
	// ErrJobNotResumable is returned when a resume targets a job that is
	// not failed or has no source file on disk.
	ErrJobNotResumable = errors.New("job cannot be resumed")
)

// Service is the phase controller for import jobs.
type Service struct {
	jobs        repository.JobRepository
	staging     repository.StagingRepository
	checkpoints repository.CheckpointRepository
	validator   *validation.Engine
	applier     *apply.Engine
	reconciler  *reconcile.Reporter
	registry    *registry.Registry
	writer      *output.Writer
	cfg         config.Config

	spoolDir string
	now      func() time.Time

	workerCancels sync.Map // map[uuid.UUID]context.CancelFunc
	workers       sync.WaitGroup
}

// Option customizes a Service.
type Option func(*Service)

// WithSpoolDirectory overrides where uploaded files are spooled.
func WithSpoolDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.spoolDir = filepath.Clean(dir)
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the phase controller.
func NewService(
	cfg config.Config,
	reg *registry.Registry,
	jobs repository.JobRepository,
	staging repository.StagingRepository,
	checkpoints repository.CheckpointRepository,
	validationRepo repository.ValidationRepository,
	applyRepo repository.ApplyRepository,
	opts ...Option,
) *Service {
	s := &Service{
		jobs:        jobs,
		staging:     staging,
		checkpoints: checkpoints,
		validator:   validation.NewEngine(validationRepo, staging, cfg.Validation),
		applier:     apply.NewEngine(applyRepo, cfg.Apply),
		reconciler:  reconcile.NewReporter(staging),
		registry:    reg,
		writer:      output.NewWriter(cfg.Output),
		cfg:         cfg,
		spoolDir:    filepath.Join(os.TempDir(), "bulkstage"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit spools the upload to disk, runs the early size check, creates the
// job record, and starts the worker. It returns as soon as the job is
// accepted; progress is observed through Status.
func (s *Service) Submit(ctx context.Context, src io.Reader, fileName, templateName, submittedBy string) (domain.JobSnapshot, error) {
	template, err := s.registry.Get(templateName)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	format, err := reader.DetectFormat(fileName)
	if err != nil {
		return domain.JobSnapshot{}, err
	}

	job := domain.NewJob(fileName, templateName, submittedBy)
	path := s.spoolPath(job.ID, format)
	if err := s.spool(src, path); err != nil {
		return domain.JobSnapshot{}, err
	}

	est, err := s.precheck(path, format, template)
	if err != nil {
		_ = os.Remove(path)
		return domain.JobSnapshot{}, err
	}
	job.TotalRows = est.Rows

	created, err := s.jobs.Create(ctx, job)
	if err != nil {
		_ = os.Remove(path)
		return domain.JobSnapshot{}, fmt.Errorf("create job: %w", err)
	}

	s.startWorker(created, template, path, format)
	return created.Snapshot(), nil
}

// Status returns the externally visible view of a job.
func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (domain.JobSnapshot, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	return job.Snapshot(), nil
}

// List returns jobs filtered by status.
func (s *Service) List(ctx context.Context, statuses []domain.JobStatus, limit, offset int) ([]domain.JobSnapshot, error) {
	jobs, err := s.jobs.List(ctx, statuses, limit, offset)
	if err != nil {
		return nil, err
	}
	snapshots := make([]domain.JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	return snapshots, nil
}

// Cancel requests cooperative cancellation of a running job. Active
// checkpoints are left in place so the job can be resumed.
func (s *Service) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if cancel, ok := s.workerCancels.Load(jobID); ok {
		cancel.(context.CancelFunc)()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrJobNotRunning, jobID)
}

// Resume restarts a failed or cancelled job from its active checkpoints.
// The spooled source file must still be present.
func (s *Service) Resume(ctx context.Context, jobID uuid.UUID) (domain.JobSnapshot, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	if job.Status != domain.JobStatusFailed {
		return domain.JobSnapshot{}, fmt.Errorf("%w: status is %s", ErrJobNotResumable, job.Status)
	}
	template, err := s.registry.Get(job.Template)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	format, err := reader.DetectFormat(job.FileName)
	if err != nil {
		return domain.JobSnapshot{}, err
	}
	path := s.spoolPath(job.ID, format)
	if _, err := os.Stat(path); err != nil {
		return domain.JobSnapshot{}, fmt.Errorf("%w: source file is gone", ErrJobNotResumable)
	}

	s.startWorker(job, template, path, format)
	return job.Snapshot(), nil
}

// ListErrors pages through a job's error records.
func (s *Service) ListErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]domain.StagedError, error) {
	return s.staging.ListErrors(ctx, jobID, limit, offset)
}

// Summary recomputes the reconciliation report for a job.
func (s *Service) Summary(ctx context.Context, jobID uuid.UUID) (domain.JobSummary, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.JobSummary{}, err
	}
	var elapsed time.Duration
	if job.StartedAt != nil && job.CompletedAt != nil {
		elapsed = job.CompletedAt.Sub(*job.StartedAt)
	}
	return s.reconciler.Summarize(ctx, jobID, job.InsertedRows, elapsed)
}

var errReportHeader = []string{"sheet", "row", "error_type", "field", "value", "message"}

// ExportErrorReport writes the job's error records to a file, picking the
// writer strategy from the record count.
func (s *Service) ExportErrorReport(ctx context.Context, jobID uuid.UUID, policy output.Policy) (output.Result, error) {
	counts, err := s.staging.Counts(ctx, jobID)
	if err != nil {
		return output.Result{}, err
	}
	strategy := output.Select(counts.ErrorRecords, counts.ErrorRecords*len(errReportHeader), policy, s.cfg.Output)
	ds := &errorDataset{staging: s.staging, jobID: jobID}
	return s.writer.Write(ctx, ds, strategy, "errors-"+jobID.String())
}

// Purge removes a terminal job's staged rows, errors, and spooled file.
func (s *Service) Purge(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return fmt.Errorf("job %s is still %s", jobID, job.Status)
	}
	if err := s.staging.PurgeJob(ctx, jobID); err != nil {
		return err
	}
	s.removeSpool(jobID)
	return nil
}

// Close cancels all running workers and waits for them to exit.
func (s *Service) Close() {
	s.workerCancels.Range(func(_, cancel any) bool {
		cancel.(context.CancelFunc)()
		return true
	})
	s.workers.Wait()
}

func (s *Service) spoolPath(jobID uuid.UUID, format reader.Format) string {
	return filepath.Join(s.spoolDir, jobID.String()+"."+string(format))
}

func (s *Service) spool(src io.Reader, path string) error {
	if err := os.MkdirAll(s.spoolDir, 0o755); err != nil {
		return fmt.Errorf("create spool directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create spool file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("spool upload: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync spool file: %w", err)
	}
	return f.Close()
}

func (s *Service) removeSpool(jobID uuid.UUID) {
	for _, format := range []reader.Format{reader.FormatXLSX, reader.FormatCSV} {
		_ = os.Remove(s.spoolPath(jobID, format))
	}
}

// precheck estimates file volume and rejects oversized uploads before any
// row is processed.
func (s *Service) precheck(path string, format reader.Format, template domain.Template) (reader.Estimate, error) {
	var (
		est reader.Estimate
		err error
	)
	switch format {
	case reader.FormatXLSX:
		est, err = reader.PrecheckXLSX(path, template.Sheets)
	case reader.FormatCSV:
		est, err = reader.PrecheckCSV(path, len(template.Fields))
	}
	if err != nil {
		return reader.Estimate{}, err
	}
	if err := reader.CheckLimits(est, s.cfg.Ingest.MaxRows, s.cfg.Ingest.MaxCells); err != nil {
		return reader.Estimate{}, err
	}
	return est, nil
}

func (s *Service) startWorker(job domain.Job, template domain.Template, path string, format reader.Format) {
	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.JobTimeout)
	s.workerCancels.Store(job.ID, cancel)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer cancel()
		defer s.workerCancels.Delete(job.ID)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[pipeline] job %s worker panic: %v", job.ID, r)
				s.failJob(job.ID, fmt.Sprintf("internal error: %v", r))
			}
		}()
		s.runJob(runCtx, job, template, path, format)
	}()
}

// runJob drives the phases in order. Any error marks the job failed; a
// cancelled or timed-out ingest leaves its checkpoints active so Resume can
// pick up where it stopped.
func (s *Service) runJob(ctx context.Context, job domain.Job, template domain.Template, path string, format reader.Format) {
	start := s.now()

	if err := s.jobs.SetStatus(ctx, job.ID,
		[]domain.JobStatus{domain.JobStatusStarted, domain.JobStatusFailed}, domain.JobStatusIngesting); err != nil {
		log.Printf("[pipeline] job %s: %v", job.ID, err)
		return
	}

	if err := s.ingest(ctx, job, template, path, format); err != nil {
		if ctx.Err() != nil {
			s.failJob(job.ID, "ingest interrupted: "+ctx.Err().Error())
		} else {
			s.failJob(job.ID, "ingest failed: "+err.Error())
		}
		return
	}

	if err := s.jobs.SetStatus(ctx, job.ID,
		[]domain.JobStatus{domain.JobStatusIngesting}, domain.JobStatusValidating); err != nil {
		s.failJob(job.ID, err.Error())
		return
	}
	vres, err := s.validator.Run(ctx, job.ID, template)
	if err != nil {
		s.failJob(job.ID, "validation failed: "+err.Error())
		return
	}
	if s.cfg.Ingest.MaxErrors > 0 && vres.ErrorsAdded > s.cfg.Ingest.MaxErrors {
		s.failJob(job.ID, fmt.Sprintf("error ceiling exceeded: %d validation errors, limit %d",
			vres.ErrorsAdded, s.cfg.Ingest.MaxErrors))
		return
	}

	if err := s.jobs.SetStatus(ctx, job.ID,
		[]domain.JobStatus{domain.JobStatusValidating}, domain.JobStatusApplying); err != nil {
		s.failJob(job.ID, err.Error())
		return
	}
	ares, err := s.applier.Run(ctx, job.ID, template)
	if err != nil {
		s.failJob(job.ID, "apply failed: "+err.Error())
		return
	}

	summary, err := s.reconciler.Summarize(ctx, job.ID, ares.DetailRows, s.now().Sub(start))
	if err != nil {
		s.failJob(job.ID, "reconciliation failed: "+err.Error())
		return
	}
	if err := s.jobs.UpdateCounters(ctx, job.ID,
		summary.RawRows, summary.RawRows, summary.ValidRows,
		summary.ParseErrors+summary.ErrorRows, summary.AppliedRows); err != nil {
		s.failJob(job.ID, err.Error())
		return
	}
	if !summary.Balanced {
		s.failJob(job.ID, fmt.Sprintf("reconciliation unbalanced: raw=%d parse=%d valid=%d error=%d",
			summary.RawRows, summary.ParseErrors, summary.ValidRows, summary.ErrorRows))
		return
	}

	if err := s.jobs.MarkCompleted(ctx, job.ID); err != nil {
		log.Printf("[pipeline] job %s: %v", job.ID, err)
		return
	}
	s.removeSpool(job.ID)
	log.Printf("[pipeline] job %s completed in %s (valid=%d error=%d applied=%d)",
		job.ID, summary.Elapsed.Round(time.Millisecond), summary.ValidRows,
		summary.ParseErrors+summary.ErrorRows, summary.AppliedRows)
}

// failJob is called with a background-capable context because the worker's
// context may already be cancelled.
func (s *Service) failJob(jobID uuid.UUID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.jobs.MarkFailed(ctx, jobID, message); err != nil &&
		!errors.Is(err, repository.ErrJobStatusConflict) {
		log.Printf("[pipeline] job %s: mark failed: %v", jobID, err)
	}
	log.Printf("[pipeline] job %s failed: %s", jobID, message)
}

// ingest streams every sheet into the staging store. Sheets fan out to
// separate goroutines, each with its own checkpoint session, and join
// before validation starts.
func (s *Service) ingest(ctx context.Context, job domain.Job, template domain.Template, path string, format reader.Format) error {
	rdr := reader.New(template, reader.Config{
		MaxRowErrors:     s.cfg.Ingest.MaxErrors,
		ProgressInterval: s.cfg.Ingest.ProgressInterval,
		Progress: func(sheet string, rows int) {
			log.Printf("[pipeline] job %s sheet %s: %d rows staged", job.ID, sheet, rows)
		},
	})
	sheets, err := rdr.Sheets(path, format)
	if err != nil {
		return err
	}

	resumable, err := s.checkpoints.FindResumable(ctx, job.ID)
	if err != nil {
		return err
	}
	bySheet := make(map[string]domain.Checkpoint, len(resumable))
	for _, cp := range resumable {
		bySheet[cp.Sheet] = cp
	}
	completed, err := s.checkpoints.FindCompleted(ctx, job.ID)
	if err != nil {
		return err
	}
	doneSheets := make(map[string]domain.Checkpoint, len(completed))
	for _, cp := range completed {
		doneSheets[cp.Sheet] = cp
	}

	var processed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, sheet := range sheets {
		sheet := sheet
		cp, resumed := bySheet[sheet]
		if !resumed {
			// A sheet whose checkpoint already completed was fully staged by
			// an earlier run; the job failed in a later phase. Re-staging it
			// would collide on the row key, so it is skipped outright.
			if done, ok := doneSheets[sheet]; ok {
				processed.Add(int64(done.ProcessedRows))
				log.Printf("[pipeline] job %s sheet %s: already staged, skipping ingest", job.ID, sheet)
				continue
			}
		}
		g.Go(func() error {
			return s.ingestSheet(gctx, job, rdr, path, format, sheet, cp, resumed, &processed)
		})
	}
	return g.Wait()
}

func (s *Service) ingestSheet(
	ctx context.Context,
	job domain.Job,
	rdr *reader.Reader,
	path string,
	format reader.Format,
	sheet string,
	cp domain.Checkpoint,
	resumed bool,
	processed *atomic.Int64,
) error {
	skip := 0
	if resumed {
		skip = cp.ProcessedRows
		// Rows staged past the checkpoint will be read again; drop them so
		// re-staging cannot collide on the row key.
		if err := s.staging.TrimAfter(ctx, job.ID, sheet, cp.LastCheckpointRow); err != nil {
			return err
		}
		processed.Add(int64(skip))
		log.Printf("[pipeline] job %s sheet %s: resuming from row %d", job.ID, sheet, cp.LastCheckpointRow)
	} else {
		// A sheet may hold rows from a run whose checkpoint was closed as
		// failed. A fresh pass re-reads from the top, so clear them out.
		if err := s.staging.TrimAfter(ctx, job.ID, sheet, 0); err != nil {
			return err
		}
		created, err := s.checkpoints.Create(ctx, domain.Checkpoint{
			SessionID: uuid.New(),
			JobID:     job.ID,
			FileName:  job.FileName,
			Sheet:     sheet,
			// Row totals are estimates until the pass finishes, so the
			// checkpoint's upper bound stays unknown.
			TotalRows: 0,
			Status:    domain.CheckpointStatusActive,
			CreatedAt: s.now(),
			UpdatedAt: s.now(),
		})
		if err != nil {
			return err
		}
		cp = created
	}

	var (
		batch          repository.RowBatch
		sheetProcessed = skip
		lastRow        = cp.LastCheckpointRow
		checkpointed   = skip
	)
	flush := func() error {
		if len(batch.Rows) == 0 && len(batch.Errors) == 0 {
			return nil
		}
		if err := s.staging.AppendBatch(ctx, batch); err != nil {
			return err
		}
		processed.Add(int64(len(batch.Rows)))
		batch = repository.RowBatch{}
		if sheetProcessed-checkpointed >= s.cfg.Ingest.CheckpointEvery {
			if err := s.checkpoints.Advance(ctx, cp.SessionID, sheetProcessed, lastRow); err != nil {
				return err
			}
			checkpointed = sheetProcessed
			s.reportProgress(ctx, job, int(processed.Load()))
		}
		return nil
	}

	emit := func(row reader.Row) error {
		staged := domain.StagedRow{
			JobID:      job.ID,
			Sheet:      row.Sheet,
			RowNumber:  row.Number,
			Fields:     row.Fields,
			ParseError: row.ParseError,
		}
		batch.Rows = append(batch.Rows, staged)
		if row.ParseError {
			batch.Errors = append(batch.Errors, domain.StagedError{
				JobID:     job.ID,
				Sheet:     row.Sheet,
				RowNumber: row.Number,
				ErrorType: row.ErrorType,
				Field:     row.ErrorField,
				Message:   row.Message,
				Snapshot:  row.Fields,
			})
		}
		sheetProcessed++
		lastRow = row.Number
		if len(batch.Rows) >= s.cfg.Ingest.BatchSize {
			return flush()
		}
		return nil
	}

	sum, err := rdr.Stream(ctx, path, format, sheet, skip, emit)
	if err != nil {
		// Structural problems with the file can never succeed on a retry,
		// so their checkpoint is closed. Everything else, including
		// cancellation and staging write failures, stays active for Resume.
		if isStructural(err) {
			_ = s.markCheckpointFailed(cp.SessionID, err.Error())
		}
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if sheetProcessed > checkpointed {
		if err := s.checkpoints.Advance(ctx, cp.SessionID, sheetProcessed, lastRow); err != nil {
			return err
		}
	}
	if err := s.checkpoints.MarkCompleted(ctx, cp.SessionID); err != nil {
		return err
	}
	s.reportProgress(ctx, job, int(processed.Load()))
	log.Printf("[pipeline] job %s sheet %s: pass finished (rows=%d errors=%d bytes=%d in %s)",
		job.ID, sheet, sum.DataRows, sum.ErrorRows, sum.BytesRead, sum.Elapsed.Round(time.Millisecond))
	return nil
}

func (s *Service) reportProgress(ctx context.Context, job domain.Job, processed int) {
	total := job.TotalRows
	if processed > total {
		total = processed
	}
	if err := s.jobs.UpdateCounters(ctx, job.ID, total, processed, 0, 0, 0); err != nil {
		log.Printf("[pipeline] job %s: update progress: %v", job.ID, err)
	}
}

func isStructural(err error) bool {
	return errors.Is(err, reader.ErrMissingColumns) ||
		errors.Is(err, reader.ErrTooManyRowErrors) ||
		errors.Is(err, reader.ErrUnsupportedFormat)
}

func (s *Service) markCheckpointFailed(sessionID uuid.UUID, detail string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.checkpoints.MarkFailed(ctx, sessionID, detail)
}

// errorDataset streams a job's error records page by page so exports never
// hold the full listing in memory.
type errorDataset struct {
	staging repository.StagingRepository
	jobID   uuid.UUID
}

func (d *errorDataset) Headers() []string { return errReportHeader }

func (d *errorDataset) Rows(ctx context.Context, emit func(row []string) error) error {
	const pageSize = 1000
	offset := 0
	for {
		page, err := d.staging.ListErrors(ctx, d.jobID, pageSize, offset)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := emit([]string{
				e.Sheet, strconv.Itoa(e.RowNumber), string(e.ErrorType),
				e.Field, e.Value, e.Message,
			}); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		offset += pageSize
	}
}
