package reader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/avelacq/bulkstage/internal/domain"
)

func equipmentTemplate() domain.Template {
	return domain.Template{
		Name:      "equipment",
		Sheets:    []string{"Equipment"},
		HeaderRow: 1,
		Fields: []domain.FieldDescriptor{
			{Column: "Tag", Name: "tag", Position: 1, Type: domain.FieldTypeString, Required: true},
			{Column: "Description", Name: "description", Position: 2, Type: domain.FieldTypeString},
			{Column: "Capacity", Name: "capacity", Position: 3, Type: domain.FieldTypeFloat},
		},
	}
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

func collectRows(t *testing.T, r *Reader, path string, skip int) ([]Row, Summary) {
	t.Helper()
	var rows []Row
	summary, err := r.Stream(context.Background(), path, FormatCSV, "equipment", skip, func(row Row) error {
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		t.Fatalf("stream returned error: %v", err)
	}
	return rows, summary
}

func TestStreamCSVBindsByHeader(t *testing.T) {
	path := writeCSV(t, "Tag,Description,Capacity\nP-101,Feed pump,12.5\nP-102,Spare pump,\n")
	r := New(equipmentTemplate(), Config{})

	rows, summary := collectRows(t, r, path, 0)
	if summary.DataRows != 2 || summary.ErrorRows != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if rows[0].Fields["tag"] != "P-101" || rows[0].Fields["capacity"] != "12.5" {
		t.Fatalf("unexpected first row: %+v", rows[0].Fields)
	}
	if rows[1].Fields["capacity"] != "" {
		t.Fatalf("expected empty capacity, got %q", rows[1].Fields["capacity"])
	}
	// Row numbers are file positions, header included.
	if rows[0].Number != 2 || rows[1].Number != 3 {
		t.Fatalf("unexpected row numbers: %d, %d", rows[0].Number, rows[1].Number)
	}
}

func TestStreamCSVSkipsBOMAndBlankRows(t *testing.T) {
	path := writeCSV(t, "\xef\xbb\xbfTag,Description,Capacity\nP-101,Pump,1\n,,\n\nP-102,Pump,2\n")
	r := New(equipmentTemplate(), Config{})

	rows, summary := collectRows(t, r, path, 0)
	if summary.DataRows != 2 {
		t.Fatalf("expected 2 data rows, got %d", summary.DataRows)
	}
	if rows[0].Fields["tag"] != "P-101" || rows[1].Fields["tag"] != "P-102" {
		t.Fatalf("BOM broke header binding: %+v", rows[0].Fields)
	}
}

func TestStreamCSVReportsBytesRead(t *testing.T) {
	content := "Tag,Description,Capacity\nP-101,Feed pump,12.5\nP-102,Spare pump,\n"
	path := writeCSV(t, content)
	r := New(equipmentTemplate(), Config{})

	_, summary := collectRows(t, r, path, 0)
	if summary.BytesRead != int64(len(content)) {
		t.Fatalf("expected %d bytes read, got %d", len(content), summary.BytesRead)
	}

	// The BOM is stripped before the counter sees the stream.
	bomPath := writeCSV(t, "\xef\xbb\xbf"+content)
	_, summary = collectRows(t, r, bomPath, 0)
	if summary.BytesRead != int64(len(content)) {
		t.Fatalf("expected %d bytes read past the BOM, got %d", len(content), summary.BytesRead)
	}
}

func TestStreamCSVMarksWideRowsMalformed(t *testing.T) {
	path := writeCSV(t, "Tag,Description,Capacity\nP-101,Pump,1,extra,cells\nP-102,Pump,2\n")
	r := New(equipmentTemplate(), Config{})

	rows, summary := collectRows(t, r, path, 0)
	if summary.DataRows != 2 || summary.ErrorRows != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !rows[0].ParseError || rows[0].ErrorType != domain.ErrorTypeMalformedRow {
		t.Fatalf("expected malformed row, got %+v", rows[0])
	}
	if rows[1].ParseError {
		t.Fatalf("second row should be clean")
	}
}

func TestStreamCSVSkipDataRows(t *testing.T) {
	path := writeCSV(t, "Tag,Description,Capacity\nP-101,Pump,1\nP-102,Pump,2\nP-103,Pump,3\n")
	r := New(equipmentTemplate(), Config{})

	rows, summary := collectRows(t, r, path, 2)
	if summary.DataRows != 1 {
		t.Fatalf("expected 1 emitted row after skipping 2, got %d", summary.DataRows)
	}
	if rows[0].Fields["tag"] != "P-103" {
		t.Fatalf("resume emitted wrong row: %+v", rows[0].Fields)
	}
}

func TestStreamCSVMissingRequiredColumnIsStructural(t *testing.T) {
	path := writeCSV(t, "Description,Capacity\nPump,1\n")
	r := New(equipmentTemplate(), Config{})

	_, err := r.Stream(context.Background(), path, FormatCSV, "equipment", 0, func(Row) error { return nil })
	if !errors.Is(err, ErrMissingColumns) {
		t.Fatalf("expected ErrMissingColumns, got %v", err)
	}
}

func TestStreamCSVErrorCeiling(t *testing.T) {
	content := "Tag,Description,Capacity\n"
	for i := 0; i < 5; i++ {
		content += "P,Pump,1,too,wide\n"
	}
	path := writeCSV(t, content)
	r := New(equipmentTemplate(), Config{MaxRowErrors: 3})

	_, err := r.Stream(context.Background(), path, FormatCSV, "equipment", 0, func(Row) error { return nil })
	if !errors.Is(err, ErrTooManyRowErrors) {
		t.Fatalf("expected ErrTooManyRowErrors, got %v", err)
	}
}

func TestDetectFormat(t *testing.T) {
	if f, err := DetectFormat("register.XLSX"); err != nil || f != FormatXLSX {
		t.Fatalf("xlsx detection failed: %v %v", f, err)
	}
	if f, err := DetectFormat("register.csv"); err != nil || f != FormatCSV {
		t.Fatalf("csv detection failed: %v %v", f, err)
	}
	if _, err := DetectFormat("register.pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestCheckLimits(t *testing.T) {
	if err := CheckLimits(Estimate{Rows: 100, Cells: 500}, 1000, 5000); err != nil {
		t.Fatalf("within limits should pass: %v", err)
	}
	if err := CheckLimits(Estimate{Rows: 2000, Cells: 500}, 1000, 5000); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge for rows, got %v", err)
	}
	if err := CheckLimits(Estimate{Rows: 100, Cells: 9000}, 1000, 5000); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge for cells, got %v", err)
	}
	// Zero limits disable the check.
	if err := CheckLimits(Estimate{Rows: 1 << 30, Cells: 1 << 30}, 0, 0); err != nil {
		t.Fatalf("disabled limits should pass: %v", err)
	}
}

func TestPrecheckCSVEstimatesRows(t *testing.T) {
	content := "Tag,Description,Capacity\n"
	for i := 0; i < 400; i++ {
		content += "P-1234,Centrifugal pump,42.0\n"
	}
	path := writeCSV(t, content)

	est, err := PrecheckCSV(path, 3)
	if err != nil {
		t.Fatalf("precheck returned error: %v", err)
	}
	// Uniform lines make the sampled estimate close to exact.
	if est.Rows < 300 || est.Rows > 500 {
		t.Fatalf("estimate out of range: %+v", est)
	}
	if est.Cells != est.Rows*3 {
		t.Fatalf("cells should be rows*columns: %+v", est)
	}
	if est.Exact {
		t.Fatalf("csv estimates are never exact")
	}
}
