package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/whiteforrest/equipment-valuator/internal/batch"
	"github.com/whiteforrest/equipment-valuator/internal/llm"
)

// Service renders a BatchReport as downloadable XLSX or CSV bytes.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

var headers = []string{
	"Unit #",
	"Description",
	"Year",
	"Location",
	"Condition",
	"Value When New",
	"Current Value Low",
	"Current Value High",
	"Confidence",
	"Key Factors",
	"Justification",
	"Sources",
	"Error",
}

// ReportXLSX returns an XLSX workbook for the report.
func (s *Service) ReportXLSX(report *batch.Report) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	const sheet = "Valuations"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)
	if defIdx, _ := f.GetSheetIndex("Sheet1"); defIdx != -1 {
		_ = f.DeleteSheet("Sheet1")
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for n, entry := range report.Entries {
		row := n + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		for col, v := range entryCells(entry) {
			if v != "" {
				write(col+1, v)
			}
		}
	}

	// Widen a few columns
	_ = f.SetColWidth(sheet, "A", "A", 12) // unit
	_ = f.SetColWidth(sheet, "B", "B", 36) // description
	_ = f.SetColWidth(sheet, "F", "H", 16) // values
	_ = f.SetColWidth(sheet, "J", "J", 40) // key factors
	_ = f.SetColWidth(sheet, "K", "K", 60) // justification
	_ = f.SetColWidth(sheet, "L", "M", 40) // sources, error

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"batch_id", report.ID.String(),
		"rows", len(report.Entries),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ReportCSV returns the same table as CSV bytes.
func (s *Service) ReportCSV(report *batch.Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(headers); err != nil {
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	for _, entry := range report.Entries {
		if err := w.Write(entryCells(entry)); err != nil {
			return nil, fmt.Errorf("csv: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	s.logger.Info("export.csv.ok",
		"batch_id", report.ID.String(),
		"rows", len(report.Entries),
	)
	return buf.Bytes(), nil
}

func entryCells(e batch.Entry) []string {
	rec := e.Record
	cells := make([]string, len(headers))
	cells[0] = rec.UnitID
	cells[1] = rec.Description
	if rec.Year > 0 {
		cells[2] = fmt.Sprintf("%d", rec.Year)
	}
	cells[3] = rec.Location
	cells[4] = rec.Condition

	if e.Result != nil {
		fl := e.Result.Fields
		if fl.NewValue > 0 {
			cells[5] = money(fl.NewValue)
		}
		if len(fl.CurrentValueRange) == 2 {
			cells[6] = money(fl.CurrentValueRange[0])
			cells[7] = money(fl.CurrentValueRange[1])
		}
		cells[8] = strings.ToUpper(fl.Confidence)
		cells[9] = strings.Join(fl.KeyFactors, "; ")
		cells[10] = truncate(fl.Justification, 500)
		cells[11] = strings.Join(sourceURLs(e.Result), "; ")
	} else {
		cells[12] = e.ErrorCode + ": " + e.Error
	}
	return cells
}

func sourceURLs(res *llm.Result) []string {
	if len(res.Sources) > 0 {
		return res.Sources
	}
	urls := make([]string, 0, len(res.Fields.ComparableSales))
	for _, c := range res.Fields.ComparableSales {
		if c.URL != "" {
			urls = append(urls, c.URL)
		}
	}
	return urls
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

// truncate limits s to n runes, never splitting a multi-byte character.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n == 1 {
		return string(runes[:1])
	}
	return string(runes[:n-1]) + "…"
}
