package importer_test

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/forecast-engine/forecast"
	"github.com/warp/forecast-engine/importer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func buildWorkbook(t *testing.T, rows [][]any) *bytes.Reader {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cellRef, &row))
	}

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return bytes.NewReader(buf.Bytes())
}

var header = []any{"project_id", "canonical_rubro_id", "month_index", "value", "value_type", "expected_last_updated"}

// =============================================================================
// IMPORT
// =============================================================================

func TestReadWorkbook_ParsesRows(t *testing.T) {
	r := buildWorkbook(t, [][]any{
		header,
		{"proj-1", "labor", 0, 50000, "forecast", "2026-01-01T00:00:00Z"},
		{"proj-1", "travel", 3, "1234.56", "actual", ""},
	})

	items, err := importer.ReadWorkbook(r, "")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, forecast.BulkItem{
		ProjectID:           "proj-1",
		CategoryID:          "labor",
		MonthIndex:          0,
		Value:               decimal.NewFromInt(50000),
		ValueType:           forecast.ValueForecast,
		ExpectedLastUpdated: "2026-01-01T00:00:00Z",
	}, items[0])

	assert.Equal(t, forecast.ValueActual, items[1].ValueType)
	assert.True(t, items[1].Value.Equal(decimal.RequireFromString("1234.56")))
	assert.Empty(t, items[1].ExpectedLastUpdated)
}

func TestReadWorkbook_SkipsBlankRows(t *testing.T) {
	r := buildWorkbook(t, [][]any{
		header,
		{"proj-1", "labor", 0, 100, "forecast", ""},
		{"", "", "", "", "", ""},
		{"proj-1", "labor", 1, 200, "forecast", ""},
	})

	items, err := importer.ReadWorkbook(r, "")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestReadWorkbook_MissingColumns(t *testing.T) {
	r := buildWorkbook(t, [][]any{
		{"project_id", "value"},
		{"proj-1", 100},
	})

	_, err := importer.ReadWorkbook(r, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required columns")
}

func TestReadWorkbook_BadRow_FailsWithRowNumber(t *testing.T) {
	// A malformed row aborts the import: silently dropping edits is
	// worse than asking for a fixed file.

	r := buildWorkbook(t, [][]any{
		header,
		{"proj-1", "labor", 0, 100, "forecast", ""},
		{"proj-1", "labor", "not-a-month", 200, "forecast", ""},
	})

	_, err := importer.ReadWorkbook(r, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 3")
}

func TestReadWorkbook_BadValueType(t *testing.T) {
	r := buildWorkbook(t, [][]any{
		header,
		{"proj-1", "labor", 0, 100, "planned", ""},
	})

	_, err := importer.ReadWorkbook(r, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "value_type")
}
