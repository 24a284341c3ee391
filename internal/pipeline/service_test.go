package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/avelacq/bulkstage/internal/config"
	"github.com/avelacq/bulkstage/internal/domain"
	"github.com/avelacq/bulkstage/internal/registry"
	"github.com/avelacq/bulkstage/internal/repository"
)

// memStore is an in-memory stand-in for all five repositories, with just
// enough validation semantics to drive the pipeline end to end.
type memStore struct {
	mu sync.Mutex

	jobs        map[uuid.UUID]domain.Job
	rows        map[uuid.UUID]map[rowKey]domain.StagedRow
	errs        map[uuid.UUID]map[errKey]domain.StagedError
	valid       map[uuid.UUID]map[rowKey]bool
	applied     map[uuid.UUID]map[rowKey]bool
	checkpoints map[uuid.UUID]domain.Checkpoint

	appendCalls  int
	appendedRows int
	failAppendOn int // 1-based AppendBatch call that fails once

	failApplyAttempts int // InsertDetailRows failures remaining
	appliedRows       int
}

type rowKey struct {
	sheet string
	num   int
}

type errKey struct {
	sheet string
	num   int
	typ   domain.ErrorType
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[uuid.UUID]domain.Job),
		rows:        make(map[uuid.UUID]map[rowKey]domain.StagedRow),
		errs:        make(map[uuid.UUID]map[errKey]domain.StagedError),
		valid:       make(map[uuid.UUID]map[rowKey]bool),
		applied:     make(map[uuid.UUID]map[rowKey]bool),
		checkpoints: make(map[uuid.UUID]domain.Checkpoint),
	}
}

// JobRepository

func (m *memStore) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, repository.ErrNotFound)
	}
	return job, nil
}

func (m *memStore) List(ctx context.Context, statuses []domain.JobStatus, limit, offset int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, job := range m.jobs {
		if len(statuses) > 0 {
			match := false
			for _, status := range statuses {
				if job.Status == status {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, job)
	}
	return out, nil
}

func (m *memStore) SetStatus(ctx context.Context, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, status := range from {
		if job.Status == status {
			job.Status = to
			if to == domain.JobStatusIngesting && job.StartedAt == nil {
				now := time.Now()
				job.StartedAt = &now
			}
			m.jobs[id] = job
			return nil
		}
	}
	return fmt.Errorf("job is %s: %w", job.Status, repository.ErrJobStatusConflict)
}

func (m *memStore) UpdateCounters(ctx context.Context, id uuid.UUID, total, processed, valid, errorRows, inserted int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.TotalRows = total
	job.ProcessedRows = processed
	job.ValidRows = valid
	job.ErrorRows = errorRows
	job.InsertedRows = inserted
	m.jobs[id] = job
	return nil
}

func (m *memStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status.IsTerminal() {
		return repository.ErrJobStatusConflict
	}
	job.Status = domain.JobStatusCompleted
	now := time.Now()
	job.CompletedAt = &now
	m.jobs[id] = job
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	if job.Status.IsTerminal() {
		return repository.ErrJobStatusConflict
	}
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = &message
	m.jobs[id] = job
	return nil
}

// StagingRepository

func (m *memStore) AppendBatch(ctx context.Context, batch repository.RowBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendCalls++
	if m.failAppendOn > 0 && m.appendCalls == m.failAppendOn {
		m.failAppendOn = 0
		return errors.New("staging store unavailable")
	}
	for _, row := range batch.Rows {
		if m.rows[row.JobID] == nil {
			m.rows[row.JobID] = make(map[rowKey]domain.StagedRow)
		}
		key := rowKey{sheet: row.Sheet, num: row.RowNumber}
		if _, exists := m.rows[row.JobID][key]; exists {
			return fmt.Errorf("duplicate staged row %s:%d", row.Sheet, row.RowNumber)
		}
		m.rows[row.JobID][key] = row
		m.appendedRows++
	}
	m.insertErrorsLocked(batch.Errors)
	return nil
}

func (m *memStore) InsertErrors(ctx context.Context, errs []domain.StagedError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErrorsLocked(errs)
	return nil
}

func (m *memStore) insertErrorsLocked(errs []domain.StagedError) int {
	added := 0
	for _, e := range errs {
		if m.errs[e.JobID] == nil {
			m.errs[e.JobID] = make(map[errKey]domain.StagedError)
		}
		key := errKey{sheet: e.Sheet, num: e.RowNumber, typ: e.ErrorType}
		if _, exists := m.errs[e.JobID][key]; exists {
			continue
		}
		m.errs[e.JobID][key] = e
		added++
	}
	return added
}

func (m *memStore) Counts(ctx context.Context, jobID uuid.UUID) (repository.StagingCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts repository.StagingCounts
	counts.RawRows = len(m.rows[jobID])
	for _, row := range m.rows[jobID] {
		if row.ParseError {
			counts.ParseErrorRows++
		}
	}
	counts.ValidRows = len(m.valid[jobID])
	counts.ErrorRecords = len(m.errs[jobID])
	errorRows := make(map[rowKey]bool)
	for key := range m.errs[jobID] {
		row := m.rows[jobID][rowKey{sheet: key.sheet, num: key.num}]
		if !row.ParseError {
			errorRows[rowKey{sheet: key.sheet, num: key.num}] = true
		}
	}
	counts.ErrorRows = len(errorRows)
	return counts, nil
}

func (m *memStore) ErrorsByType(ctx context.Context, jobID uuid.UUID) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType := map[string]int{}
	for key := range m.errs[jobID] {
		byType[string(key.typ)]++
	}
	return byType, nil
}

func (m *memStore) ListErrors(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]domain.StagedError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StagedError
	for _, e := range m.errs[jobID] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RowNumber != out[j].RowNumber {
			return out[i].RowNumber < out[j].RowNumber
		}
		return out[i].ErrorType < out[j].ErrorType
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) RowRanges(ctx context.Context, jobID uuid.UUID) ([]repository.SheetRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySheet := map[string]*repository.SheetRange{}
	for key := range m.rows[jobID] {
		r, ok := bySheet[key.sheet]
		if !ok {
			r = &repository.SheetRange{Sheet: key.sheet, MinRow: key.num, MaxRow: key.num}
			bySheet[key.sheet] = r
		}
		if key.num < r.MinRow {
			r.MinRow = key.num
		}
		if key.num > r.MaxRow {
			r.MaxRow = key.num
		}
		r.RowCount++
	}
	var out []repository.SheetRange
	for _, r := range bySheet {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memStore) TrimAfter(ctx context.Context, jobID uuid.UUID, sheet string, rowNumber int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.rows[jobID] {
		if key.sheet == sheet && key.num > rowNumber {
			delete(m.rows[jobID], key)
		}
	}
	for key := range m.errs[jobID] {
		if key.sheet == sheet && key.num > rowNumber {
			delete(m.errs[jobID], key)
		}
	}
	return nil
}

func (m *memStore) PurgeJob(ctx context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, jobID)
	delete(m.errs, jobID)
	delete(m.valid, jobID)
	return nil
}

// ValidationRepository

func (m *memStore) InsertFieldErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, fields []domain.FieldDescriptor) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []domain.StagedError
	for key, row := range m.rows[jobID] {
		if key.sheet != sheet || key.num < lo || key.num > hi || row.ParseError {
			continue
		}
		for _, f := range fields {
			value := strings.TrimSpace(row.Fields[f.Name])
			if f.Required && value == "" {
				errs = append(errs, domain.StagedError{
					JobID: jobID, Sheet: sheet, RowNumber: key.num,
					ErrorType: domain.ErrorTypeRequiredMissing, Field: f.Name,
				})
			}
			if len(f.Enum) > 0 && value != "" {
				found := false
				for _, allowed := range f.Enum {
					if value == allowed {
						found = true
						break
					}
				}
				if !found {
					errs = append(errs, domain.StagedError{
						JobID: jobID, Sheet: sheet, RowNumber: key.num,
						ErrorType: domain.ErrorTypeInvalidEnum, Field: f.Name, Value: value,
					})
				}
			}
		}
	}
	return m.insertErrorsLocked(errs), nil
}

func (m *memStore) InsertDuplicateInFileErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, businessKey []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type ranked struct {
		num int
		key string
	}
	var all []ranked
	for key, row := range m.rows[jobID] {
		if key.sheet != sheet || row.ParseError {
			continue
		}
		var parts []string
		for _, field := range businessKey {
			parts = append(parts, strings.TrimSpace(row.Fields[field]))
		}
		value := strings.Join(parts, "|")
		if strings.Trim(value, "|") == "" {
			continue
		}
		all = append(all, ranked{num: key.num, key: value})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].num < all[j].num })

	seen := map[string]bool{}
	var errs []domain.StagedError
	for _, r := range all {
		first := !seen[r.key]
		seen[r.key] = true
		if first || r.num < lo || r.num > hi {
			continue
		}
		errs = append(errs, domain.StagedError{
			JobID: jobID, Sheet: sheet, RowNumber: r.num,
			ErrorType: domain.ErrorTypeDuplicateInFile, Value: r.key,
		})
	}
	return m.insertErrorsLocked(errs), nil
}

func (m *memStore) InsertDuplicateInStoreErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, businessKey []string, rule domain.ReferenceRule) (int, error) {
	return 0, nil
}

func (m *memStore) InsertReferenceErrors(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int, rule domain.ReferenceRule) (int, error) {
	return 0, nil
}

func (m *memStore) PromoteValidRows(ctx context.Context, jobID uuid.UUID, sheet string, lo, hi int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.valid[jobID] == nil {
		m.valid[jobID] = make(map[rowKey]bool)
	}
	promoted := 0
	for key, row := range m.rows[jobID] {
		if key.sheet != sheet || key.num < lo || key.num > hi || row.ParseError {
			continue
		}
		hasError := false
		for errKey := range m.errs[jobID] {
			if errKey.sheet == key.sheet && errKey.num == key.num {
				hasError = true
				break
			}
		}
		if hasError || m.valid[jobID][key] {
			continue
		}
		m.valid[jobID][key] = true
		promoted++
	}
	return promoted, nil
}

// ApplyRepository

func (m *memStore) InsertLookupValues(ctx context.Context, jobID uuid.UUID, lookup domain.LookupTarget) (int, error) {
	return 0, nil
}

// InsertDetailRows mirrors the anti-join of the real implementation: rows
// already in the target table are skipped, so a rerun inserts nothing.
func (m *memStore) InsertDetailRows(ctx context.Context, jobID uuid.UUID, template domain.Template) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failApplyAttempts > 0 {
		m.failApplyAttempts--
		return 0, errors.New("target store unavailable")
	}
	if m.applied[jobID] == nil {
		m.applied[jobID] = make(map[rowKey]bool)
	}
	inserted := 0
	for key := range m.valid[jobID] {
		if m.applied[jobID][key] {
			continue
		}
		m.applied[jobID][key] = true
		inserted++
	}
	m.appliedRows = len(m.applied[jobID])
	return inserted, nil
}

// CheckpointRepository lives on its own type because memStore's job Create
// would collide with the checkpoint Create.
type memCheckpoints struct {
	store *memStore
}

func (c memCheckpoints) Create(ctx context.Context, cp domain.Checkpoint) (domain.Checkpoint, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.checkpoints[cp.SessionID] = cp
	return cp, nil
}

func (c memCheckpoints) Get(ctx context.Context, sessionID uuid.UUID) (domain.Checkpoint, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	cp, ok := c.store.checkpoints[sessionID]
	if !ok {
		return domain.Checkpoint{}, repository.ErrNotFound
	}
	return cp, nil
}

func (c memCheckpoints) FindResumable(ctx context.Context, jobID uuid.UUID) ([]domain.Checkpoint, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	var out []domain.Checkpoint
	for _, cp := range c.store.checkpoints {
		if cp.JobID == jobID && cp.Resumable() {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (c memCheckpoints) FindCompleted(ctx context.Context, jobID uuid.UUID) ([]domain.Checkpoint, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	var out []domain.Checkpoint
	for _, cp := range c.store.checkpoints {
		if cp.JobID == jobID && cp.Status == domain.CheckpointStatusCompleted {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (c memCheckpoints) Advance(ctx context.Context, sessionID uuid.UUID, processed, lastRow int) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	cp, ok := c.store.checkpoints[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	advanced, err := cp.Advance(processed, lastRow)
	if err != nil {
		return err
	}
	c.store.checkpoints[sessionID] = advanced
	return nil
}

func (c memCheckpoints) MarkCompleted(ctx context.Context, sessionID uuid.UUID) error {
	return c.finish(sessionID, domain.CheckpointStatusCompleted, nil)
}

func (c memCheckpoints) MarkFailed(ctx context.Context, sessionID uuid.UUID, detail string) error {
	return c.finish(sessionID, domain.CheckpointStatusFailed, &detail)
}

func (c memCheckpoints) finish(sessionID uuid.UUID, status domain.CheckpointStatus, detail *string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	cp, ok := c.store.checkpoints[sessionID]
	if !ok || cp.Status != domain.CheckpointStatusActive {
		return fmt.Errorf("checkpoint %s is not active", sessionID)
	}
	cp.Status = status
	cp.ErrorDetail = detail
	c.store.checkpoints[sessionID] = cp
	return nil
}

// test harness

func pipelineTemplate() domain.Template {
	return domain.Template{
		Name:      "equipment",
		Sheets:    []string{"Equipment"},
		HeaderRow: 1,
		Fields: []domain.FieldDescriptor{
			{Column: "Tag", Name: "tag", Position: 1, Type: domain.FieldTypeString, Required: true},
			{Column: "Description", Name: "description", Position: 2, Type: domain.FieldTypeString},
		},
		BusinessKey: []string{"tag"},
		Target: domain.ApplyTarget{
			Table:      "equipment",
			Columns:    map[string]string{"tag": "tag", "description": "description"},
			KeyColumns: []string{"tag"},
		},
	}
}

func pipelineConfig() config.Config {
	cfg := config.Default()
	cfg.Ingest.BatchSize = 1_000
	cfg.Ingest.CheckpointEvery = 1_000
	cfg.Validation.MaxConcurrent = 2
	cfg.Validation.StepTimeout = 5 * time.Second
	cfg.Apply.RetryBackoff = time.Millisecond
	cfg.Server.JobTimeout = 30 * time.Second
	return cfg
}

func newTestService(t *testing.T, store *memStore, cfg config.Config) *Service {
	t.Helper()
	reg, err := registry.New(pipelineTemplate())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	service := NewService(cfg, reg, store, store, memCheckpoints{store: store}, store, store,
		WithSpoolDirectory(t.TempDir()))
	t.Cleanup(service.Close)
	return service
}

func waitForTerminal(t *testing.T, service *Service, jobID uuid.UUID) domain.JobSnapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := service.Status(context.Background(), jobID)
		if err != nil {
			t.Fatalf("status returned error: %v", err)
		}
		if snapshot.Status.IsTerminal() {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return domain.JobSnapshot{}
}

func TestPipelineCompletesWithRequiredFieldError(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Tag,Description\n")
	for i := 1; i <= 10; i++ {
		if i == 5 {
			sb.WriteString(",missing its tag\n")
			continue
		}
		fmt.Fprintf(&sb, "P-%03d,Pump %d\n", i, i)
	}

	store := newMemStore()
	service := newTestService(t, store, pipelineConfig())

	snapshot, err := service.Submit(context.Background(), strings.NewReader(sb.String()),
		"register.csv", "equipment", "operator")
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}

	final := waitForTerminal(t, service, snapshot.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s (%v)", final.Status, final.ErrorMessage)
	}
	if final.ValidRows != 9 || final.ErrorRows != 1 || final.InsertedRows != 9 {
		t.Fatalf("unexpected counters: %+v", final)
	}

	summary, err := service.Summary(context.Background(), snapshot.ID)
	if err != nil {
		t.Fatalf("summary returned error: %v", err)
	}
	if !summary.Balanced {
		t.Fatalf("summary must balance: %+v", summary)
	}
	if summary.ErrorsByType["required_field_missing"] != 1 {
		t.Fatalf("unexpected error breakdown: %+v", summary.ErrorsByType)
	}
}

func TestPipelineDeduplicatesWithinFile(t *testing.T) {
	data := "Tag,Description\nK-001,first\nK-001,second\nK-001,third\nB-001,other\nC-001,another\n"

	store := newMemStore()
	service := newTestService(t, store, pipelineConfig())

	snapshot, err := service.Submit(context.Background(), strings.NewReader(data),
		"register.csv", "equipment", "operator")
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}

	final := waitForTerminal(t, service, snapshot.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s (%v)", final.Status, final.ErrorMessage)
	}
	// One winner for the shared key plus the two unique rows.
	if final.ValidRows != 3 || final.ErrorRows != 2 {
		t.Fatalf("unexpected counters: %+v", final)
	}

	errs, err := service.ListErrors(context.Background(), snapshot.ID, 10, 0)
	if err != nil {
		t.Fatalf("list errors returned error: %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 error records, got %d", len(errs))
	}
	for _, e := range errs {
		if e.ErrorType != domain.ErrorTypeDuplicateInFile {
			t.Fatalf("unexpected error type %s", e.ErrorType)
		}
	}
}

func TestPipelineResumesFromCheckpoint(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Tag,Description\n")
	for i := 1; i <= 10_000; i++ {
		fmt.Fprintf(&sb, "P-%05d,Pump %d\n", i, i)
	}

	store := newMemStore()
	store.failAppendOn = 5 // staging dies mid-ingest after 4,000 rows
	service := newTestService(t, store, pipelineConfig())

	snapshot, err := service.Submit(context.Background(), strings.NewReader(sb.String()),
		"register.csv", "equipment", "operator")
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}

	failed := waitForTerminal(t, service, snapshot.ID)
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", failed.Status)
	}

	store.mu.Lock()
	var active *domain.Checkpoint
	for _, cp := range store.checkpoints {
		if cp.JobID == snapshot.ID && cp.Resumable() {
			copied := cp
			active = &copied
		}
	}
	store.mu.Unlock()
	if active == nil {
		t.Fatalf("expected an active checkpoint after the crash")
	}
	if active.ProcessedRows != 4_000 {
		t.Fatalf("checkpoint should hold 4000 processed rows, got %d", active.ProcessedRows)
	}

	if _, err := service.Resume(context.Background(), snapshot.ID); err != nil {
		t.Fatalf("resume returned error: %v", err)
	}

	final := waitForTerminal(t, service, snapshot.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job after resume, got %s (%v)", final.Status, final.ErrorMessage)
	}
	if final.ProcessedRows != 10_000 || final.ValidRows != 10_000 {
		t.Fatalf("unexpected counters after resume: %+v", final)
	}

	store.mu.Lock()
	staged := len(store.rows[snapshot.ID])
	appended := store.appendedRows
	store.mu.Unlock()
	if staged != 10_000 {
		t.Fatalf("expected 10000 staged rows, got %d", staged)
	}
	// The resumed pass must continue from the checkpoint, not restart.
	if appended != 10_000 {
		t.Fatalf("rows were restaged: %d total appends", appended)
	}
}

func TestPipelineResumesAfterApplyFailure(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Tag,Description\n")
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&sb, "P-%03d,Pump %d\n", i, i)
	}

	store := newMemStore()
	store.failApplyAttempts = 3 // outlasts every retry of the first run
	cfg := pipelineConfig()
	cfg.Apply.MaxRetries = 2
	service := newTestService(t, store, cfg)

	snapshot, err := service.Submit(context.Background(), strings.NewReader(sb.String()),
		"register.csv", "equipment", "operator")
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}

	failed := waitForTerminal(t, service, snapshot.ID)
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", failed.Status)
	}
	if failed.ErrorMessage == nil || !strings.Contains(*failed.ErrorMessage, "apply failed") {
		t.Fatalf("expected an apply failure, got %v", failed.ErrorMessage)
	}

	// Ingest finished, so every checkpoint is completed and nothing is
	// resumable. The resumed run must not try to re-stage the sheet.
	store.mu.Lock()
	for _, cp := range store.checkpoints {
		if cp.JobID == snapshot.ID && cp.Resumable() {
			store.mu.Unlock()
			t.Fatalf("no checkpoint should stay active after ingest completed")
		}
	}
	appendedBefore := store.appendedRows
	store.mu.Unlock()

	if _, err := service.Resume(context.Background(), snapshot.ID); err != nil {
		t.Fatalf("resume returned error: %v", err)
	}

	final := waitForTerminal(t, service, snapshot.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job after resume, got %s (%v)", final.Status, final.ErrorMessage)
	}
	if final.ValidRows != 10 || final.InsertedRows != 10 {
		t.Fatalf("unexpected counters after resume: %+v", final)
	}

	store.mu.Lock()
	staged := len(store.rows[snapshot.ID])
	appended := store.appendedRows
	store.mu.Unlock()
	if staged != 10 {
		t.Fatalf("expected 10 staged rows, got %d", staged)
	}
	if appended != appendedBefore {
		t.Fatalf("rows were restaged on resume: %d appends before, %d after", appendedBefore, appended)
	}
}

func TestRevalidationAndReapplyAddNothing(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Tag,Description\n")
	for i := 1; i <= 10; i++ {
		if i == 5 {
			sb.WriteString(",missing its tag\n")
			continue
		}
		fmt.Fprintf(&sb, "P-%03d,Pump %d\n", i, i)
	}

	store := newMemStore()
	service := newTestService(t, store, pipelineConfig())

	snapshot, err := service.Submit(context.Background(), strings.NewReader(sb.String()),
		"register.csv", "equipment", "operator")
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	final := waitForTerminal(t, service, snapshot.ID)
	if final.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s (%v)", final.Status, final.ErrorMessage)
	}

	ctx := context.Background()
	before, err := store.Counts(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("counts returned error: %v", err)
	}

	vres, err := service.validator.Run(ctx, snapshot.ID, pipelineTemplate())
	if err != nil {
		t.Fatalf("second validation pass returned error: %v", err)
	}
	if vres.ErrorsAdded != 0 || vres.Promoted != 0 {
		t.Fatalf("second validation pass must add nothing: %+v", vres)
	}

	ares, err := service.applier.Run(ctx, snapshot.ID, pipelineTemplate())
	if err != nil {
		t.Fatalf("second apply pass returned error: %v", err)
	}
	if ares.DetailRows != 0 {
		t.Fatalf("second apply pass must insert nothing: %+v", ares)
	}

	after, err := store.Counts(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("counts returned error: %v", err)
	}
	if before != after {
		t.Fatalf("reruns changed staged counts: before %+v after %+v", before, after)
	}
}

func TestSubmitRejectsUnknownTemplate(t *testing.T) {
	service := newTestService(t, newMemStore(), pipelineConfig())
	_, err := service.Submit(context.Background(), strings.NewReader("Tag\n"), "r.csv", "nope", "op")
	if err == nil || !strings.Contains(err.Error(), "unknown template") {
		t.Fatalf("expected unknown template error, got %v", err)
	}
}

func TestCancelWithoutWorker(t *testing.T) {
	service := newTestService(t, newMemStore(), pipelineConfig())
	if err := service.Cancel(context.Background(), uuid.New()); !errors.Is(err, ErrJobNotRunning) {
		t.Fatalf("expected ErrJobNotRunning, got %v", err)
	}
}
