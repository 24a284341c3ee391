package reader

import (
	"archive/zip"
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrFileTooLarge aborts a job before any row processing happens.
var ErrFileTooLarge = errors.New("file exceeds configured size limits")

// Estimate is the early-validation guess at file volume. Exact is true when
// it came from declared sheet dimensions rather than size heuristics.
type Estimate struct {
	Rows  int
	Cells int
	Exact bool
}

// Typical uncompressed bytes per populated cell in worksheet XML. Used only
// when a sheet omits its dimension element.
const approxBytesPerCell = 45

// PrecheckXLSX estimates total rows and cells across the requested sheets
// without driving the row iterator. Sheets that declare a dimension range
// are counted exactly; the rest fall back to a compressed-container
// heuristic so an oversized file is rejected in milliseconds, not minutes.
func PrecheckXLSX(path string, sheets []string) (Estimate, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Estimate{}, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	est := Estimate{Exact: true}
	var needHeuristic []string
	for _, sheet := range resolveSheets(f, sheets) {
		dim, err := f.GetSheetDimension(sheet)
		if err != nil {
			return Estimate{}, fmt.Errorf("read dimension of sheet %s: %w", sheet, err)
		}
		rows, cols, ok := parseDimension(dim)
		if !ok {
			needHeuristic = append(needHeuristic, sheet)
			est.Exact = false
			continue
		}
		est.Rows += rows
		est.Cells += rows * cols
	}

	if len(needHeuristic) > 0 {
		rows, cells, err := sheetSizeHeuristic(path, len(needHeuristic))
		if err != nil {
			return Estimate{}, err
		}
		est.Rows += rows
		est.Cells += cells
	}
	return est, nil
}

// PrecheckCSV estimates row count from file size and the average length of
// an initial sample of lines.
func PrecheckCSV(path string, columns int) (Estimate, error) {
	file, err := os.Open(path)
	if err != nil {
		return Estimate{}, fmt.Errorf("open csv: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return Estimate{}, fmt.Errorf("stat csv: %w", err)
	}

	const sampleLines = 200
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var sampled, sampledBytes int
	for sampled < sampleLines && scanner.Scan() {
		sampledBytes += len(scanner.Bytes()) + 1
		sampled++
	}
	if err := scanner.Err(); err != nil {
		return Estimate{}, fmt.Errorf("sample csv: %w", err)
	}
	if sampled == 0 {
		return Estimate{}, nil
	}

	avg := sampledBytes / sampled
	if avg == 0 {
		avg = 1
	}
	rows := int(info.Size()) / avg
	if rows < sampled {
		rows = sampled
	}
	if columns <= 0 {
		columns = 1
	}
	return Estimate{Rows: rows, Cells: rows * columns}, nil
}

// CheckLimits enforces the configured ceilings against an estimate.
func CheckLimits(est Estimate, maxRows, maxCells int) error {
	if maxRows > 0 && est.Rows > maxRows {
		return fmt.Errorf("%w: estimated %d rows, limit %d", ErrFileTooLarge, est.Rows, maxRows)
	}
	if maxCells > 0 && est.Cells > maxCells {
		return fmt.Errorf("%w: estimated %d cells, limit %d", ErrFileTooLarge, est.Cells, maxCells)
	}
	return nil
}

func parseDimension(dim string) (rows, cols int, ok bool) {
	parts := strings.Split(dim, ":")
	if len(parts) != 2 {
		return 0, 0, false
	}
	x1, y1, err := excelize.CellNameToCoordinates(parts[0])
	if err != nil {
		return 0, 0, false
	}
	x2, y2, err := excelize.CellNameToCoordinates(parts[1])
	if err != nil {
		return 0, 0, false
	}
	if y2 < y1 || x2 < x1 {
		return 0, 0, false
	}
	return y2 - y1 + 1, x2 - x1 + 1, true
}

// sheetSizeHeuristic derives a row/cell guess from the uncompressed size of
// the worksheet parts inside the container.
func sheetSizeHeuristic(path string, sheetCount int) (rows, cells int, err error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open container: %w", err)
	}
	defer func() { _ = zr.Close() }()

	var uncompressed uint64
	for _, file := range zr.File {
		if strings.HasPrefix(file.Name, "xl/worksheets/") && strings.HasSuffix(file.Name, ".xml") {
			uncompressed += file.UncompressedSize64
		}
	}
	cells = int(uncompressed) / approxBytesPerCell
	// Without a dimension element the column count is unknown; assume a
	// modest width so the row estimate errs high.
	rows = cells / 10
	if sheetCount > 0 && rows == 0 && uncompressed > 0 {
		rows = 1
	}
	return rows, cells, nil
}

func resolveSheets(f *excelize.File, requested []string) []string {
	available := f.GetSheetList()
	if len(available) == 0 {
		return nil
	}
	var out []string
	for _, sheet := range requested {
		if sheet == "" {
			out = append(out, available[0])
			continue
		}
		for _, have := range available {
			if strings.EqualFold(have, sheet) {
				out = append(out, have)
				break
			}
		}
	}
	return out
}
