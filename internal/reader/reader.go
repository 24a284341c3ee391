// Package reader streams spreadsheet rows as typed field maps without
// materializing the document. XLSX files are driven through excelize's row
// iterator, which keeps only the shared-string and style tables resident;
// CSV files are parsed record-at-a-time behind BOM-skipping and UTF-8
// sanitizing readers.
package reader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/avelacq/bulkstage/internal/domain"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")
	// ErrTooManyRowErrors aborts ingest once the row-error ceiling is hit.
	ErrTooManyRowErrors = errors.New("row error ceiling exceeded")
	// ErrMissingColumns is structural: a required column is absent from the header.
	ErrMissingColumns = errors.New("header is missing required columns")
)

// Row is one emitted spreadsheet row. When ParseError is set the row could
// not be bound and carries the failure detail instead of usable fields.
type Row struct {
	Sheet      string
	Number     int
	Fields     map[string]string
	ParseError bool
	ErrorType  domain.ErrorType
	ErrorField string
	Message    string
}

// Summary is the terminal result of one streaming pass. BytesRead is the
// decoded byte volume consumed from the source; zero for XLSX, where the
// container is random access and byte counts are not meaningful.
type Summary struct {
	RowsSeen  int
	DataRows  int
	ErrorRows int
	BytesRead int64
	Elapsed   time.Duration
}

// Config bounds a Reader. Zero values disable the corresponding limit.
type Config struct {
	MaxRowErrors     int
	ProgressInterval int
	Progress         func(sheet string, rowsProcessed int)
}

// Reader binds one template's field descriptors to file columns and emits
// rows downstream one at a time.
type Reader struct {
	template domain.Template
	cfg      Config
}

// New constructs a Reader for a template.
func New(template domain.Template, cfg Config) *Reader {
	return &Reader{template: template, cfg: cfg}
}

// Format identifies the container type of an upload.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// DetectFormat maps a file name to its container format.
func DetectFormat(fileName string) (Format, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx":
		return FormatXLSX, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(fileName))
	}
}

// Sheets returns the template's sheets that are present in the file. For
// CSV there is a single implicit sheet named after the template.
func (r *Reader) Sheets(path string, format Format) ([]string, error) {
	if format == FormatCSV {
		return []string{r.template.Name}, nil
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := resolveSheets(f, r.template.Sheets)
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has none of the template sheets %v", r.template.Sheets)
	}
	return sheets, nil
}

// Stream drives a single forward pass over one sheet, emitting every data
// row. skipDataRows data rows are consumed without emission, which is how a
// resumed session avoids reprocessing. The emit callback returning an error
// stops the pass immediately.
func (r *Reader) Stream(ctx context.Context, path string, format Format, sheet string, skipDataRows int, emit func(Row) error) (Summary, error) {
	start := time.Now()
	var summary Summary
	var err error
	switch format {
	case FormatXLSX:
		summary, err = r.streamXLSX(ctx, path, sheet, skipDataRows, emit)
	case FormatCSV:
		summary, err = r.streamCSV(ctx, path, sheet, skipDataRows, emit)
	default:
		return Summary{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	summary.Elapsed = time.Since(start)
	return summary, err
}

// binding maps column positions to field descriptors for one sheet.
type binding struct {
	byIndex map[int]domain.FieldDescriptor
	width   int
}

func (r *Reader) bindHeader(header []string) (binding, error) {
	b := binding{byIndex: make(map[int]domain.FieldDescriptor), width: len(header)}
	bound := make(map[string]bool)
	for idx, cell := range header {
		if field, ok := r.template.FieldByColumn(cell); ok {
			b.byIndex[idx] = field
			bound[field.Name] = true
		}
	}
	// Position bindings fill in headerless or renamed columns.
	for _, field := range r.template.Fields {
		if bound[field.Name] || field.Position <= 0 {
			continue
		}
		idx := field.Position - 1
		if _, taken := b.byIndex[idx]; !taken {
			b.byIndex[idx] = field
			bound[field.Name] = true
			if idx >= b.width {
				b.width = idx + 1
			}
		}
	}
	var missing []string
	for _, field := range r.template.Fields {
		if field.Required && !bound[field.Name] {
			missing = append(missing, field.Column)
		}
	}
	if len(missing) > 0 {
		return binding{}, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return b, nil
}

// bindRow converts raw cells into the internal field map. It reports a
// shape problem when the row is wider than the bound header.
func (b binding) bindRow(cells []string) (map[string]string, bool) {
	fields := make(map[string]string, len(b.byIndex))
	for idx, field := range b.byIndex {
		if idx < len(cells) {
			fields[field.Name] = strings.TrimSpace(cells[idx])
		} else {
			fields[field.Name] = ""
		}
	}
	return fields, len(cells) > b.width
}

func isBlank(cells []string) bool {
	for _, cell := range cells {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

type emitState struct {
	reader    *Reader
	sheet     string
	summary   *Summary
	errorRows int
}

func (s *emitState) emitRow(row Row, emit func(Row) error) error {
	if row.ParseError {
		s.errorRows++
		s.summary.ErrorRows++
		if s.reader.cfg.MaxRowErrors > 0 && s.errorRows > s.reader.cfg.MaxRowErrors {
			return fmt.Errorf("%w: %d malformed rows on sheet %s", ErrTooManyRowErrors, s.errorRows, s.sheet)
		}
	}
	if err := emit(row); err != nil {
		return err
	}
	s.summary.DataRows++
	if s.reader.cfg.Progress != nil && s.reader.cfg.ProgressInterval > 0 &&
		s.summary.DataRows%s.reader.cfg.ProgressInterval == 0 {
		s.reader.cfg.Progress(s.sheet, s.summary.DataRows)
	}
	return nil
}

func (r *Reader) streamXLSX(ctx context.Context, path, sheet string, skipDataRows int, emit func(Row) error) (Summary, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.Rows(sheet)
	if err != nil {
		return Summary{}, fmt.Errorf("open sheet %s: %w", sheet, err)
	}
	defer func() { _ = rows.Close() }()

	var summary Summary
	state := &emitState{reader: r, sheet: sheet, summary: &summary}
	var bound *binding
	rowNumber := 0
	skipped := 0

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		rowNumber++
		summary.RowsSeen++

		cells, err := rows.Columns()
		if err != nil {
			if bound == nil {
				return summary, fmt.Errorf("read header row: %w", err)
			}
			if emitErr := state.emitRow(Row{
				Sheet:      sheet,
				Number:     rowNumber,
				ParseError: true,
				ErrorType:  domain.ErrorTypeParse,
				Message:    err.Error(),
			}, emit); emitErr != nil {
				return summary, emitErr
			}
			continue
		}

		if bound == nil {
			if rowNumber < r.template.HeaderRow {
				continue
			}
			b, err := r.bindHeader(cells)
			if err != nil {
				return summary, err
			}
			bound = &b
			continue
		}

		if isBlank(cells) {
			continue
		}
		if skipped < skipDataRows {
			skipped++
			continue
		}

		fields, malformed := bound.bindRow(cells)
		row := Row{Sheet: sheet, Number: rowNumber, Fields: fields}
		if malformed {
			row.ParseError = true
			row.ErrorType = domain.ErrorTypeMalformedRow
			row.Message = fmt.Sprintf("row has %d cells, header has %d", len(cells), bound.width)
		}
		if err := state.emitRow(row, emit); err != nil {
			return summary, err
		}
	}
	if err := rows.Error(); err != nil {
		return summary, fmt.Errorf("iterate sheet %s: %w", sheet, err)
	}
	if bound == nil {
		return summary, errors.New("no header row found")
	}
	return summary, nil
}

func (r *Reader) streamCSV(ctx context.Context, path, sheet string, skipDataRows int, emit func(Row) error) (summary Summary, _ error) {
	file, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("open csv: %w", err)
	}
	defer func() { _ = file.Close() }()

	counted := wrapForStreaming(file)
	csvReader := csv.NewReader(counted)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	defer func() { summary.BytesRead = counted.bytesRead }()
	state := &emitState{reader: r, sheet: sheet, summary: &summary}
	var bound *binding
	rowNumber := 0
	skipped := 0

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		cells, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNumber++
		summary.RowsSeen++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				if bound == nil {
					return summary, fmt.Errorf("read header row: %w", err)
				}
				if emitErr := state.emitRow(Row{
					Sheet:      sheet,
					Number:     rowNumber,
					ParseError: true,
					ErrorType:  domain.ErrorTypeParse,
					Message:    err.Error(),
				}, emit); emitErr != nil {
					return summary, emitErr
				}
				continue
			}
			return summary, fmt.Errorf("read csv: %w", err)
		}

		if bound == nil {
			if rowNumber < r.template.HeaderRow {
				continue
			}
			b, err := r.bindHeader(cells)
			if err != nil {
				return summary, err
			}
			bound = &b
			continue
		}

		if isBlank(cells) {
			continue
		}
		if skipped < skipDataRows {
			skipped++
			continue
		}

		fields, malformed := bound.bindRow(cells)
		row := Row{Sheet: sheet, Number: rowNumber, Fields: fields}
		if malformed {
			row.ParseError = true
			row.ErrorType = domain.ErrorTypeMalformedRow
			row.Message = fmt.Sprintf("row has %d cells, header has %d", len(cells), bound.width)
		}
		if err := state.emitRow(row, emit); err != nil {
			return summary, err
		}
	}
	if bound == nil {
		return summary, errors.New("no header row found")
	}
	return summary, nil
}
