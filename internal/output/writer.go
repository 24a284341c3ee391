package output

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/avelacq/bulkstage/internal/config"
)

// Dataset is a finalized result set ready for export. Rows streams the
// data in order; implementations must support being read exactly once.
type Dataset interface {
	Headers() []string
	Rows(ctx context.Context, emit func(row []string) error) error
}

// Result describes a finished export.
type Result struct {
	Strategy Strategy
	Path     string
	Rows     int
	Bytes    int64
}

// Writer materializes datasets into files under a configured directory.
type Writer struct {
	cfg config.OutputConfig
}

// NewWriter constructs an export writer.
func NewWriter(cfg config.OutputConfig) *Writer {
	return &Writer{cfg: cfg}
}

// Write exports the dataset using the given strategy. baseName carries no
// extension; the strategy decides it.
func (w *Writer) Write(ctx context.Context, ds Dataset, strategy Strategy, baseName string) (Result, error) {
	if err := w.ensureDirectory(); err != nil {
		return Result{}, err
	}
	switch strategy {
	case StrategyInMemory:
		return w.writeWorkbook(ctx, ds, baseName, false)
	case StrategyWindowedStream:
		return w.writeWorkbook(ctx, ds, baseName, true)
	case StrategyFlatText:
		return w.writeFlatText(ctx, ds, baseName)
	default:
		return Result{}, fmt.Errorf("unknown output strategy %q", strategy)
	}
}

func (w *Writer) ensureDirectory() error {
	if w.cfg.Directory == "" {
		return fmt.Errorf("no output directory configured")
	}
	if err := os.MkdirAll(w.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}

// writeWorkbook produces an xlsx file. In streaming mode rows pass through
// excelize's stream writer, which keeps only the active window in memory
// and spools finished chunks to temporary storage; otherwise the whole
// sheet is built in memory first.
func (w *Writer) writeWorkbook(ctx context.Context, ds Dataset, baseName string, streamed bool) (Result, error) {
	strategy := StrategyInMemory
	if streamed {
		strategy = StrategyWindowedStream
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	const sheet = "Sheet1"

	writeRow := func(rowNum int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		cells := make([]any, len(values))
		for i, v := range values {
			cells[i] = v
		}
		return f.SetSheetRow(sheet, cell, &cells)
	}

	var sw *excelize.StreamWriter
	if streamed {
		var err error
		sw, err = f.NewStreamWriter(sheet)
		if err != nil {
			return Result{}, fmt.Errorf("open stream writer: %w", err)
		}
		writeRow = func(rowNum int, values []string) error {
			cell, err := excelize.CoordinatesToCellName(1, rowNum)
			if err != nil {
				return err
			}
			cells := make([]any, len(values))
			for i, v := range values {
				cells[i] = v
			}
			return sw.SetRow(cell, cells)
		}
	}

	rowNum := 1
	if headers := ds.Headers(); len(headers) > 0 {
		if err := writeRow(rowNum, headers); err != nil {
			return Result{}, fmt.Errorf("write header row: %w", err)
		}
		rowNum++
	}

	rows := 0
	err := ds.Rows(ctx, func(values []string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := writeRow(rowNum, values); err != nil {
			return fmt.Errorf("write row %d: %w", rowNum, err)
		}
		rowNum++
		rows++
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if sw != nil {
		if err := sw.Flush(); err != nil {
			return Result{}, fmt.Errorf("flush stream writer: %w", err)
		}
	}

	path := filepath.Join(w.cfg.Directory, baseName+".xlsx")
	if err := f.SaveAs(path); err != nil {
		return Result{}, fmt.Errorf("save workbook: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat workbook: %w", err)
	}
	return Result{Strategy: strategy, Path: path, Rows: rows, Bytes: info.Size()}, nil
}

// writeFlatText streams the dataset as CSV through a temp file that is
// promoted by rename only after a clean finish, so readers never observe a
// partial export.
func (w *Writer) writeFlatText(ctx context.Context, ds Dataset, baseName string) (Result, error) {
	tempFile, err := os.CreateTemp(w.cfg.Directory, baseName+"-*.csv")
	if err != nil {
		return Result{}, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	buffered := bufio.NewWriterSize(tempFile, 1<<20) // 1 MiB buffer for streaming writes
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)

	if headers := ds.Headers(); len(headers) > 0 {
		if err := csvWriter.Write(headers); err != nil {
			return Result{}, fmt.Errorf("write header: %w", err)
		}
	}

	rows := 0
	err = ds.Rows(ctx, func(values []string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := csvWriter.Write(values); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		rows++
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return Result{}, fmt.Errorf("final flush: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return Result{}, fmt.Errorf("final buffered flush: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync export file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("close export file: %w", err)
	}

	finalPath := filepath.Join(w.cfg.Directory, baseName+".csv")
	if err := os.Rename(tempPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("promote export file: %w", err)
	}
	cleanup = false
	return Result{Strategy: StrategyFlatText, Path: finalPath, Rows: rows, Bytes: counter.count}, nil
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
