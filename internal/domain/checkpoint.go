package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckpointStatus follows Active -> {Completed, Failed}. Only Active
// checkpoints are resumable.
type CheckpointStatus string

const (
	CheckpointStatusActive    CheckpointStatus = "active"
	CheckpointStatusCompleted CheckpointStatus = "completed"
	CheckpointStatusFailed    CheckpointStatus = "failed"
)

// Checkpoint marks durable ingest progress for one session so a crashed or
// cancelled job can resume without reprocessing rows.
type Checkpoint struct {
	SessionID         uuid.UUID        `json:"session_id"`
	JobID             uuid.UUID        `json:"job_id"`
	FileName          string           `json:"file_name"`
	Sheet             string           `json:"sheet"`
	TotalRows         int              `json:"total_rows"`
	ProcessedRows     int              `json:"processed_rows"`
	LastCheckpointRow int              `json:"last_checkpoint_row"`
	Status            CheckpointStatus `json:"status"`
	ErrorDetail       *string          `json:"error_detail,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Resumable reports whether processing may restart from this checkpoint.
func (c Checkpoint) Resumable() bool {
	return c.Status == CheckpointStatusActive
}

// Advance validates a progress update against the monotonicity invariant:
// processed rows never decrease and never exceed total rows (when known).
func (c Checkpoint) Advance(processed, lastRow int) (Checkpoint, error) {
	if c.Status != CheckpointStatusActive {
		return c, fmt.Errorf("checkpoint %s is %s, not active", c.SessionID, c.Status)
	}
	if processed < c.ProcessedRows {
		return c, fmt.Errorf("processed rows would regress from %d to %d", c.ProcessedRows, processed)
	}
	if c.TotalRows > 0 && processed > c.TotalRows {
		return c, fmt.Errorf("processed rows %d exceeds total %d", processed, c.TotalRows)
	}
	c.ProcessedRows = processed
	c.LastCheckpointRow = lastRow
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}
