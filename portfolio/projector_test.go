package portfolio_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/warp/forecast-engine/forecast"
	"github.com/warp/forecast-engine/portfolio"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func cell(project, category string, month int, planned, actual, fc float64, token string) forecast.Cell {
	return forecast.Cell{
		Key:         forecast.CellKey{ProjectID: project, CategoryID: category, MonthIndex: month},
		Planned:     decimal.NewFromFloat(planned),
		Actual:      decimal.NewFromFloat(actual),
		Forecast:    decimal.NewFromFloat(fc),
		LastUpdated: token,
	}
}

func item(project, category string, month int, value float64, vt forecast.ValueType) forecast.BulkItem {
	return forecast.BulkItem{
		ProjectID:  project,
		CategoryID: category,
		MonthIndex: month,
		Value:      decimal.NewFromFloat(value),
		ValueType:  vt,
	}
}

func baseView() *portfolio.View {
	return portfolio.NewView([]forecast.Cell{
		cell("proj-1", "labor", 0, 1000, 900, 1000, "t1"),
		cell("proj-1", "labor", 1, 1000, 0, 1100, "t1"),
		cell("proj-1", "travel", 0, 500, 480, 500, "t1"),
		cell("proj-2", "labor", 0, 2000, 2100, 2000, "t1"),
	})
}

// =============================================================================
// PROJECTION
// =============================================================================

func TestProject_OverwritesValueAndDerivesVariance(t *testing.T) {
	// GIVEN: A cached cell with actual 900 against planned 1000
	// WHEN: An actual-edit of 1200 is projected
	// THEN: The projected cell reads 1200 with variance +200

	view := baseView()
	projected, _ := portfolio.Project(view, []forecast.BulkItem{
		item("proj-1", "labor", 0, 1200, forecast.ValueActual),
	})

	got, ok := projected.Cell(forecast.CellKey{ProjectID: "proj-1", CategoryID: "labor", MonthIndex: 0})
	if !ok {
		t.Fatal("projected cell missing")
	}
	if !got.Actual.Equal(decimal.NewFromInt(1200)) {
		t.Fatalf("actual = %s, want 1200", got.Actual)
	}
	if !got.Variance().Equal(decimal.NewFromInt(200)) {
		t.Fatalf("variance = %s, want 200", got.Variance())
	}
}

func TestProject_DoesNotMutateInputView(t *testing.T) {
	// Copy-on-write: the pre-projection view must be untouched so
	// subscribers holding it never see speculative state.

	view := baseView()
	_, _ = portfolio.Project(view, []forecast.BulkItem{
		item("proj-1", "labor", 0, 9999, forecast.ValueForecast),
	})

	got, _ := view.Cell(forecast.CellKey{ProjectID: "proj-1", CategoryID: "labor", MonthIndex: 0})
	if !got.Forecast.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("input view was mutated: forecast = %s", got.Forecast)
	}
}

func TestProject_UnknownCoordinates_SilentlySkipped(t *testing.T) {
	// The cache may not contain every coordinate the server knows
	// about. Projecting onto a missing cell is a no-op, not an error.

	view := baseView()
	projected, snap := portfolio.Project(view, []forecast.BulkItem{
		item("proj-9", "labor", 0, 500, forecast.ValueForecast),
		item("proj-1", "travel", 0, 450, forecast.ValueForecast),
	})

	if !snap.Skipped(0) {
		t.Fatal("unknown coordinate should be marked skipped")
	}
	if snap.Skipped(1) {
		t.Fatal("known coordinate wrongly marked skipped")
	}
	if _, ok := projected.Cell(forecast.CellKey{ProjectID: "proj-9", CategoryID: "labor", MonthIndex: 0}); ok {
		t.Fatal("projection invented a cell for an unknown coordinate")
	}
}

func TestProject_SnapshotKeepsFirstTouchState(t *testing.T) {
	// Two items on the same cell: the snapshot must hold the true
	// pre-projection state, not the intermediate one.

	view := baseView()
	key := forecast.CellKey{ProjectID: "proj-1", CategoryID: "labor", MonthIndex: 0}
	projected, snap := portfolio.Project(view, []forecast.BulkItem{
		item("proj-1", "labor", 0, 1111, forecast.ValueForecast),
		item("proj-1", "labor", 0, 2222, forecast.ValueForecast),
	})

	got, _ := projected.Cell(key)
	if !got.Forecast.Equal(decimal.NewFromInt(2222)) {
		t.Fatalf("last projected value should win, got %s", got.Forecast)
	}

	rolled := portfolio.Rollback(projected, snap)
	restored, _ := rolled.Cell(key)
	if !restored.Forecast.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("rollback restored %s, want pre-projection 1000", restored.Forecast)
	}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile_CommitsSuccessRestoresConflict(t *testing.T) {
	// GIVEN: Two projected edits, one succeeds and one conflicts
	// WHEN: The batch result is reconciled
	// THEN: The success keeps its value, the conflict reverts to its
	//       pre-projection state

	view := baseView()
	items := []forecast.BulkItem{
		item("proj-1", "labor", 0, 1300, forecast.ValueForecast),
		item("proj-1", "travel", 0, 600, forecast.ValueForecast),
	}
	projected, snap := portfolio.Project(view, items)

	result := forecast.BatchResult{
		Results: []forecast.ItemResult{
			forecast.SuccessResult(0),
			forecast.ConflictResult(1, "t9"),
		},
	}
	result.RecountTotals()

	reconciled := portfolio.Reconcile(projected, snap, items, result)

	committed, _ := reconciled.Cell(items[0].Key())
	if !committed.Forecast.Equal(decimal.NewFromInt(1300)) {
		t.Fatalf("successful edit lost: %s", committed.Forecast)
	}
	reverted, _ := reconciled.Cell(items[1].Key())
	if !reverted.Forecast.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("conflicted edit not rolled back: %s", reverted.Forecast)
	}
}

func TestRollback_RestoresEveryTouchedCell(t *testing.T) {
	// Transport failure: no authoritative result, every touched cell
	// returns to its pre-projection state.

	view := baseView()
	items := []forecast.BulkItem{
		item("proj-1", "labor", 0, 1, forecast.ValueActual),
		item("proj-1", "labor", 1, 2, forecast.ValueForecast),
		item("proj-2", "labor", 0, 3, forecast.ValueActual),
	}
	projected, snap := portfolio.Project(view, items)
	rolled := portfolio.Rollback(projected, snap)

	for _, it := range items {
		want, _ := view.Cell(it.Key())
		got, _ := rolled.Cell(it.Key())
		if !got.Actual.Equal(want.Actual) || !got.Forecast.Equal(want.Forecast) {
			t.Fatalf("cell %s not restored: got %+v want %+v", it.Key(), got, want)
		}
	}
}

// =============================================================================
// SUMMARY
// =============================================================================

func TestSummary_DerivedFromCells(t *testing.T) {
	view := baseView()
	s := view.Summary()

	if !s.TotalPlanned.Equal(decimal.NewFromInt(4500)) {
		t.Fatalf("total planned = %s, want 4500", s.TotalPlanned)
	}
	if !s.TotalActual.Equal(decimal.NewFromInt(3480)) {
		t.Fatalf("total actual = %s, want 3480", s.TotalActual)
	}
	if !s.TotalVariance.Equal(decimal.NewFromInt(-1020)) {
		t.Fatalf("total variance = %s, want -1020", s.TotalVariance)
	}
	if s.CellCount != 4 {
		t.Fatalf("cell count = %d, want 4", s.CellCount)
	}
}

func TestSummary_TracksProjection(t *testing.T) {
	// Aggregates are derived, so a projection changes them without any
	// separate patching.

	view := baseView()
	projected, _ := portfolio.Project(view, []forecast.BulkItem{
		item("proj-1", "labor", 0, 1900, forecast.ValueActual),
	})

	if !projected.Summary().TotalActual.Equal(decimal.NewFromInt(4480)) {
		t.Fatalf("projected total actual = %s, want 4480", projected.Summary().TotalActual)
	}
	if !view.Summary().TotalActual.Equal(decimal.NewFromInt(3480)) {
		t.Fatalf("original summary changed: %s", view.Summary().TotalActual)
	}
}

// =============================================================================
// CACHE SUBSCRIPTIONS
// =============================================================================

func TestCache_SubscribersSeeEachReplace(t *testing.T) {
	cache := portfolio.NewCache(baseView())

	var seen []*portfolio.View
	cancel := cache.Subscribe(func(v *portfolio.View) { seen = append(seen, v) })

	projected, _ := portfolio.Project(cache.View(), []forecast.BulkItem{
		item("proj-1", "labor", 0, 1, forecast.ValueActual),
	})
	cache.Replace(projected)

	if len(seen) != 1 || seen[0] != projected {
		t.Fatalf("subscriber saw %d views", len(seen))
	}

	cancel()
	cache.Replace(baseView())
	if len(seen) != 1 {
		t.Fatal("cancelled subscriber was notified")
	}
}

func TestCache_InvalidationHooks(t *testing.T) {
	cache := portfolio.NewCache(nil)

	fired := 0
	cache.OnInvalidate(func() { fired++ })
	cache.Invalidate()
	cache.Invalidate()

	if fired != 2 {
		t.Fatalf("invalidation hook fired %d times, want 2", fired)
	}
}
