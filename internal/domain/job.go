package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus tracks the lifecycle of an import job. Completed and Failed are
// terminal; every other status names the phase currently running.
type JobStatus string

const (
	JobStatusStarted    JobStatus = "started"
	JobStatusIngesting  JobStatus = "ingesting"
	JobStatusValidating JobStatus = "validating"
	JobStatusApplying   JobStatus = "applying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the unit of work for one uploaded spreadsheet. The phase controller
// owns all mutations; status queries read it concurrently.
type Job struct {
	ID            uuid.UUID  `json:"id"`
	FileName      string     `json:"file_name"`
	Template      string     `json:"template"`
	SubmittedBy   string     `json:"submitted_by"`
	Status        JobStatus  `json:"status"`
	TotalRows     int        `json:"total_rows"`
	ProcessedRows int        `json:"processed_rows"`
	ValidRows     int        `json:"valid_rows"`
	ErrorRows     int        `json:"error_rows"`
	InsertedRows  int        `json:"inserted_rows"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a freshly submitted job.
func NewJob(fileName, template, submittedBy string) Job {
	return Job{
		ID:          uuid.New(),
		FileName:    fileName,
		Template:    template,
		SubmittedBy: submittedBy,
		Status:      JobStatusStarted,
		CreatedAt:   time.Now().UTC(),
	}
}

// JobSnapshot is the read model returned to status polls.
type JobSnapshot struct {
	ID              uuid.UUID `json:"id"`
	FileName        string    `json:"file_name"`
	Status          JobStatus `json:"status"`
	PercentComplete int       `json:"percent_complete"`
	TotalRows       int       `json:"total_rows"`
	ProcessedRows   int       `json:"processed_rows"`
	ValidRows       int       `json:"valid_rows"`
	ErrorRows       int       `json:"error_rows"`
	InsertedRows    int       `json:"inserted_rows"`
	ErrorMessage    *string   `json:"error_message,omitempty"`
}

// Snapshot derives the externally visible view of a job.
func (j Job) Snapshot() JobSnapshot {
	percent := 0
	switch {
	case j.Status == JobStatusCompleted:
		percent = 100
	case j.TotalRows > 0:
		percent = j.ProcessedRows * 100 / j.TotalRows
		if percent > 100 {
			percent = 100
		}
	}
	return JobSnapshot{
		ID:              j.ID,
		FileName:        j.FileName,
		Status:          j.Status,
		PercentComplete: percent,
		TotalRows:       j.TotalRows,
		ProcessedRows:   j.ProcessedRows,
		ValidRows:       j.ValidRows,
		ErrorRows:       j.ErrorRows,
		InsertedRows:    j.InsertedRows,
		ErrorMessage:    j.ErrorMessage,
	}
}

// JobSummary is produced by reconciliation once the pipeline finishes.
type JobSummary struct {
	JobID        uuid.UUID      `json:"job_id"`
	RawRows      int            `json:"raw_rows"`
	ParseErrors  int            `json:"parse_errors"`
	ValidRows    int            `json:"valid_rows"`
	ErrorRows    int            `json:"error_rows"`
	AppliedRows  int            `json:"applied_rows"`
	ErrorsByType map[string]int `json:"errors_by_type"`
	Balanced     bool           `json:"balanced"`
	Elapsed      time.Duration  `json:"elapsed"`
}
