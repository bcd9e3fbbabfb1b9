// Package excel reads CSV and Excel workbooks and profiles their columns.
package excel

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

	"energyagent/domain/core"
	"energyagent/internal"
	"energyagent/ports"
)

// DefaultMaxRows caps the rows kept per sheet.
const DefaultMaxRows = 200000

const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// DataReader implements ports.TabularLoader for CSV and XLSX files.
type DataReader struct {
	logger *internal.Logger
}

// NewDataReader creates a reader. logger may be nil.
func NewDataReader(logger *internal.Logger) *DataReader {
	if logger == nil {
		logger = internal.NopLogger()
	}
	return &DataReader{logger: logger}
}

// formatOf returns the tabular format implied by the file extension.
func formatOf(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, true
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return FormatXLSX, true
	}
	return "", false
}

// Load reads every sheet of path. A missing file matches core.ErrNotFound;
// unreadable content matches core.ErrParse.
func (r *DataReader) Load(ctx context.Context, path string, maxRows int) (*ports.TabularData, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: file %s", core.ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	format, ok := formatOf(path)
	if !ok {
		return nil, core.NewParseError(path, fmt.Errorf("unsupported file type %q", filepath.Ext(path)))
	}

	start := time.Now()
	var (
		sheets []ports.Sheet
		err    error
	)
	switch format {
	case FormatCSV:
		var sheet ports.Sheet
		sheet, err = r.readCSV(ctx, path, maxRows)
		sheets = []ports.Sheet{sheet}
	default:
		sheets, err = r.readExcel(ctx, path, maxRows)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Debug("read %s file %s in %dms (%d sheets)", format, path, time.Since(start).Milliseconds(), len(sheets))
	return &ports.TabularData{Path: path, Format: format, Sheets: sheets}, nil
}

func (r *DataReader) readCSV(ctx context.Context, path string, maxRows int) (ports.Sheet, error) {
	file, err := os.Open(path)
	if err != nil {
		return ports.Sheet{}, fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	sheet := ports.Sheet{Name: name, Headers: []string{}, Rows: [][]string{}}
	for line := 0; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return ports.Sheet{}, err
			}
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ports.Sheet{}, core.NewParseError(path, err)
		}
		if line == 0 {
			sheet.Headers = cleanHeaders(record)
			continue
		}
		appendRow(&sheet, record, maxRows)
	}
	if len(sheet.Headers) == 0 {
		return ports.Sheet{}, core.NewParseError(path, errors.New("CSV file has no header row"))
	}
	return sheet, nil
}

func (r *DataReader) readExcel(ctx context.Context, path string, maxRows int) ([]ports.Sheet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, core.NewParseError(path, err)
	}
	defer f.Close()

	sheets := make([]ports.Sheet, 0, f.SheetCount)
	for _, name := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.Rows(name)
		if err != nil {
			return nil, core.NewParseError(path, fmt.Errorf("sheet %s: %w", name, err))
		}
		sheet := ports.Sheet{Name: name, Headers: []string{}, Rows: [][]string{}}
		for rows.Next() {
			cols, err := rows.Columns()
			if err != nil {
				rows.Close()
				return nil, core.NewParseError(path, fmt.Errorf("sheet %s: %w", name, err))
			}
			if len(sheet.Headers) == 0 {
				if isBlank(cols) {
					continue
				}
				sheet.Headers = cleanHeaders(cols)
				continue
			}
			appendRow(&sheet, cols, maxRows)
		}
		rows.Close()
		if len(sheet.Headers) == 0 {
			r.logger.Debug("skipping empty sheet %s in %s", name, path)
			continue
		}
		sheets = append(sheets, sheet)
	}
	return sheets, nil
}

func appendRow(sheet *ports.Sheet, record []string, maxRows int) {
	if isBlank(record) {
		return
	}
	sheet.TotalRows++
	if maxRows > 0 && len(sheet.Rows) >= maxRows {
		return
	}
	row := make([]string, len(sheet.Headers))
	for i := range row {
		if i < len(record) {
			row[i] = strings.TrimSpace(record[i])
		}
	}
	sheet.Rows = append(sheet.Rows, row)
}

func cleanHeaders(record []string) []string {
	headers := make([]string, len(record))
	for i, h := range record {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		headers[i] = h
	}
	return headers
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
