// Package report renders the operator report for tasks that were not
// committed.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/feichai0017/document-reconciler/internal/models"
)

// Header is the column order of every report format.
var Header = []string{"File Name", "Status", "Error", "Extracted ID", "Retries"}

// Row is one report line.
type Row struct {
	FileName    string
	Status      models.Status
	Error       string
	ExtractedID string
	Retries     int
}

func (r Row) strings() []string {
	return []string{r.FileName, string(r.Status), r.Error, r.ExtractedID, strconv.Itoa(r.Retries)}
}

// Rows selects every task that has not been uploaded, in the given order.
func Rows(tasks []models.Task) []Row {
	rows := make([]Row, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == models.StatusUploaded {
			continue
		}
		rows = append(rows, Row{
			FileName:    t.FileName,
			Status:      t.Status,
			Error:       t.Error,
			ExtractedID: t.ExtractedIdentifier,
			Retries:     t.RetryCount,
		})
	}
	return rows
}

// FileName returns a timestamped report name with the given extension.
func FileName(at time.Time, ext string) string {
	return fmt.Sprintf("reconciliation_report_%s.%s", at.Format("20060102_150405"), ext)
}

// WriteCSV writes the report as CSV.
func WriteCSV(w io.Writer, tasks []models.Task) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range Rows(tasks) {
		if err := cw.Write(row.strings()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

const (
	reportSheet  = "Report"
	summarySheet = "Summary"
)

// WriteXLSX writes the report as a workbook with a report sheet and a
// summary sheet of batch counters.
func WriteXLSX(w io.Writer, tasks []models.Task, progress models.BatchProgress) error {
	f := excelize.NewFile()
	defer f.Close()

	// 默认工作表改名为报告页
	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return fmt.Errorf("xlsx rename sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("xlsx new sheet: %w", err)
	}

	if err := f.SetSheetRow(reportSheet, "A1", &Header); err != nil {
		return fmt.Errorf("xlsx header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}
	_ = f.SetCellStyle(reportSheet, "A1", "E1", bold)

	for i, row := range Rows(tasks) {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		values := []any{row.FileName, string(row.Status), row.Error, row.ExtractedID, row.Retries}
		if err := f.SetSheetRow(reportSheet, cell, &values); err != nil {
			return fmt.Errorf("xlsx row %d: %w", i+2, err)
		}
	}
	_ = f.SetColWidth(reportSheet, "A", "A", 32)
	_ = f.SetColWidth(reportSheet, "B", "B", 12)
	_ = f.SetColWidth(reportSheet, "C", "C", 60)
	_ = f.SetColWidth(reportSheet, "D", "D", 18)

	summary := [][]any{
		{"Total", progress.Total},
		{"Processed", progress.Processed},
		{"Successful", progress.Successful},
		{"Failed", progress.Failed},
		{"Pending", progress.Pending},
		{"Completion %", progress.Percent()},
	}
	for i, line := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &line); err != nil {
			return fmt.Errorf("xlsx summary: %w", err)
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 16)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
