package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/equipment"
)

// Required columns. A file missing either aborts ingestion with a parse error.
var requiredColumns = []string{"Unit #", "Description"}

// Recommended columns; absence is flagged per row, never fatal.
var recommendedColumns = []string{"Year", "Location", "Condition"}

// RowError describes a single malformed row that was skipped.
type RowError struct {
	Row int    `json:"row"` // 1-based, excluding the header
	Err string `json:"error"`
}

// Result is the outcome of ingesting one file: the parsed records plus any
// per-row failures. Every non-blank data row lands in exactly one of
// Records or RowErrors; fully blank rows are dropped silently.
type Result struct {
	Records   []equipment.Record `json:"records"`
	RowErrors []RowError         `json:"row_errors,omitempty"`
	Columns   []string           `json:"columns"`
}

// Loader parses tabular equipment lists (CSV or XLSX).
type Loader struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, now: time.Now}
}

// Load dispatches on the filename extension. Unknown extensions fall back to
// CSV, matching how uploads without a sensible name are usually plain text.
func (l *Loader) Load(r io.Reader, filename string) (*Result, error) {
	start := time.Now()
	ext := strings.ToLower(filepath.Ext(filename))

	var (
		res *Result
		err error
	)
	switch ext {
	case ".xlsx", ".xls":
		res, err = l.loadXLSX(r)
	default:
		res, err = l.loadCSV(r)
	}
	if err != nil {
		l.logger.Error("ingest.load_failed", "file", filename, "error", err)
		return nil, err
	}

	l.logger.Info("ingest.load_ok",
		"file", filename,
		"records", len(res.Records),
		"row_errors", len(res.RowErrors),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (l *Loader) loadCSV(r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // row width checked against the header below

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, common.ParseErrorf("read csv: %v", err)
	}
	if len(rows) == 0 {
		return nil, common.ParseErrorf("file is empty")
	}
	return l.parseRows(rows[0], rows[1:])
}

func (l *Loader) loadXLSX(r io.Reader) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, common.ParseErrorf("open workbook: %v", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			l.logger.Warn("ingest.workbook_close_error", "error", cerr)
		}
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, common.ParseErrorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, common.ParseErrorf("read sheet %q: %v", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, common.ParseErrorf("sheet %q is empty", sheets[0])
	}
	return l.parseRows(rows[0], rows[1:])
}

// parseRows maps header names to fields and converts each data row into an
// equipment.Record, collecting malformed rows instead of aborting.
func (l *Loader) parseRows(header []string, rows [][]string) (*Result, error) {
	idx := make(map[string]int, len(header))
	cols := make([]string, 0, len(header))
	for i, h := range header {
		name := strings.TrimSpace(h)
		if name == "" {
			continue
		}
		idx[strings.ToLower(name)] = i
		cols = append(cols, name)
	}

	var missing []string
	for _, req := range requiredColumns {
		if _, ok := idx[strings.ToLower(req)]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return nil, common.ParseErrorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	for _, rec := range recommendedColumns {
		if _, ok := idx[strings.ToLower(rec)]; !ok {
			l.logger.Warn("ingest.missing_recommended_column", "column", rec)
		}
	}

	cell := func(row []string, name string) string {
		i, ok := idx[strings.ToLower(name)]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	res := &Result{Columns: cols}
	now := l.now()
	for n, row := range rows {
		rowNum := n + 1
		if isBlank(row) {
			continue
		}

		unit := cell(row, "Unit #")
		if unit == "" {
			res.RowErrors = append(res.RowErrors, RowError{Row: rowNum, Err: "missing Unit #"})
			continue
		}

		rec := equipment.Record{
			UnitID:      unit,
			Description: cell(row, "Description"),
			Location:    cell(row, "Location"),
			Notes:       cell(row, "Notes"),
		}

		if y := cell(row, "Year"); y != "" {
			year, err := parseYear(y)
			if err != nil {
				rec.Issues = append(rec.Issues, fmt.Sprintf("Unparseable year: %q", y))
			} else {
				rec.Year = year
			}
		}
		if c := cell(row, "Condition"); c != "" {
			rec.Condition = equipment.NormalizeCondition(c)
		}

		rec.Issues = append(rec.Issues, rec.ValidateIssues(now)...)
		res.Records = append(res.Records, rec)
	}

	if len(res.Records) == 0 {
		return nil, common.ParseErrorf("no usable rows (%d malformed)", len(res.RowErrors))
	}
	return res, nil
}

// parseYear tolerates spreadsheet float rendering like "2015.0".
func parseYear(s string) (int, error) {
	if y, err := strconv.Atoi(s); err == nil {
		return y, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
