/*
Package importer converts spreadsheet forecast grids into bulk items.

PURPOSE:
  Batch jobs are the second class of actor besides grid-editing users:
  finance teams maintain forecasts in spreadsheets and push them in
  bulk. This package reads an .xlsx worksheet into BulkItems ready for
  the submission client; chunking to the batch-size bound is the
  caller's job (client.Prepare enforces it).

EXPECTED LAYOUT:
  First row is a header. Recognized columns (case-insensitive):
    project_id, canonical_rubro_id, month_index, value, value_type,
    expected_last_updated (optional)
  Extra columns are ignored. Blank rows are skipped.

ERROR HANDLING:
  A malformed row fails the import with its row number; partial imports
  would silently drop edits, which is worse than asking for a fixed
  file.
*/
package importer

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/warp/forecast-engine/forecast"
)

// columns maps header names to their positions.
type columns struct {
	project  int
	rubro    int
	month    int
	value    int
	kind     int
	expected int
}

// ReadWorkbook parses the named sheet (or the first sheet when name is
// empty) into bulk items.
func ReadWorkbook(r io.Reader, sheet string) ([]forecast.BulkItem, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheet)
	}

	cols, err := mapColumns(rows[0])
	if err != nil {
		return nil, err
	}

	var items []forecast.BulkItem
	for i, row := range rows[1:] {
		rowNum := i + 2 // 1-based, after the header
		if isBlank(row) {
			continue
		}
		item, err := parseRow(row, cols, rowNum)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func mapColumns(header []string) (columns, error) {
	cols := columns{project: -1, rubro: -1, month: -1, value: -1, kind: -1, expected: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "project_id":
			cols.project = i
		case "canonical_rubro_id":
			cols.rubro = i
		case "month_index":
			cols.month = i
		case "value":
			cols.value = i
		case "value_type":
			cols.kind = i
		case "expected_last_updated":
			cols.expected = i
		}
	}
	if cols.project < 0 || cols.rubro < 0 || cols.month < 0 || cols.value < 0 || cols.kind < 0 {
		return cols, fmt.Errorf("header is missing required columns (need project_id, canonical_rubro_id, month_index, value, value_type)")
	}
	return cols, nil
}

func parseRow(row []string, cols columns, rowNum int) (forecast.BulkItem, error) {
	monthIndex, err := strconv.Atoi(strings.TrimSpace(cellAt(row, cols.month)))
	if err != nil {
		return forecast.BulkItem{}, fmt.Errorf("row %d: bad month_index: %w", rowNum, err)
	}
	value, err := decimal.NewFromString(strings.TrimSpace(cellAt(row, cols.value)))
	if err != nil {
		return forecast.BulkItem{}, fmt.Errorf("row %d: bad value: %w", rowNum, err)
	}
	kind := forecast.ValueType(strings.ToLower(strings.TrimSpace(cellAt(row, cols.kind))))
	if !kind.Valid() {
		return forecast.BulkItem{}, fmt.Errorf("row %d: bad value_type %q", rowNum, cellAt(row, cols.kind))
	}

	item := forecast.BulkItem{
		ProjectID:  strings.TrimSpace(cellAt(row, cols.project)),
		CategoryID: strings.TrimSpace(cellAt(row, cols.rubro)),
		MonthIndex: monthIndex,
		Value:      value,
		ValueType:  kind,
	}
	if cols.expected >= 0 {
		item.ExpectedLastUpdated = strings.TrimSpace(cellAt(row, cols.expected))
	}
	if !item.Key().Valid() {
		return forecast.BulkItem{}, fmt.Errorf("row %d: missing project or category", rowNum)
	}
	return item, nil
}

// cellAt tolerates short rows: trailing empty cells are omitted by the
// xlsx format.
func cellAt(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
