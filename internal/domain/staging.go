package domain

import (
	"time"

	"github.com/google/uuid"
)

// StagedRow is one spreadsheet row as read, before any domain validation.
// Rows are written once by the reader and never mutated.
type StagedRow struct {
	JobID      uuid.UUID         `json:"job_id"`
	Sheet      string            `json:"sheet"`
	RowNumber  int               `json:"row_number"`
	Fields     map[string]string `json:"fields"`
	ParseError bool              `json:"parse_error"`
}

// ErrorType classifies a staged validation error.
type ErrorType string

const (
	ErrorTypeParse            ErrorType = "parse_error"
	ErrorTypeMalformedRow     ErrorType = "malformed_row"
	ErrorTypeRequiredMissing  ErrorType = "required_field_missing"
	ErrorTypeBadFormat        ErrorType = "invalid_format"
	ErrorTypeInvalidEnum      ErrorType = "invalid_enum_value"
	ErrorTypeDuplicateInFile  ErrorType = "duplicate_in_file"
	ErrorTypeDuplicateInStore ErrorType = "duplicate_in_store"
	ErrorTypeInvalidReference ErrorType = "invalid_reference"
)

// StagedError records one validation failure for one row. Append-only;
// the (job, sheet, row, type) key makes revalidation idempotent.
type StagedError struct {
	JobID     uuid.UUID         `json:"job_id"`
	Sheet     string            `json:"sheet"`
	RowNumber int               `json:"row_number"`
	ErrorType ErrorType         `json:"error_type"`
	Field     string            `json:"field,omitempty"`
	Value     string            `json:"value,omitempty"`
	Message   string            `json:"message"`
	Snapshot  map[string]string `json:"snapshot,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// StagedValidRow references a raw row confirmed to have no errors.
type StagedValidRow struct {
	JobID     uuid.UUID `json:"job_id"`
	Sheet     string    `json:"sheet"`
	RowNumber int       `json:"row_number"`
}
