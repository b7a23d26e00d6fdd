/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Bulk upsert wire contract (field names, per-item statuses)
- Idempotent replay over HTTP
- Batch validation status codes
- Portfolio summary derivation
- Audit trail exposure
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/warp/forecast-engine/forecast"
	"github.com/warp/forecast-engine/forecast/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fixedClock struct{ n int }

func (c *fixedClock) NextToken() string {
	c.n++
	return fmt.Sprintf("tok-%d", c.n)
}

func newTestHandler() (*Handler, *store.Memory) {
	mem := store.NewMemory()
	ev := forecast.NewEvaluator(mem, mem, mem)
	ev.Clock = &fixedClock{}
	return NewHandler(ev), mem
}

func seed(t *testing.T, mem *store.Memory, projectID, categoryID string, month int, planned float64, token string) {
	t.Helper()
	err := mem.PutCell(context.Background(), forecast.Cell{
		Key:         forecast.CellKey{ProjectID: projectID, CategoryID: categoryID, MonthIndex: month},
		Planned:     decimal.NewFromFloat(planned),
		LastUpdated: token,
	})
	if err != nil {
		t.Fatalf("seed cell: %v", err)
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// BULK UPSERT
// =============================================================================

func TestBulkUpsert_WireContract(t *testing.T) {
	// GIVEN: A seeded cell with token "v2"
	// WHEN: A mixed batch hits POST /forecast/bulk-upsert
	// THEN: The response carries the exact contract field names

	h, mem := newTestHandler()
	router := NewRouter(h)
	seed(t, mem, "proj-1", "labor", 0, 5000, "v2")

	rec := doJSON(t, router, http.MethodPost, "/forecast/bulk-upsert", BulkUpsertRequest{
		IdempotencyKey: "batch-1",
		Items: []BulkItemDTO{
			{ProjectID: "proj-1", CanonicalRubroID: "labor", MonthIndex: 0, Value: 1000, ValueType: "forecast"},
			{ProjectID: "proj-1", CanonicalRubroID: "labor", MonthIndex: 0, Value: 2000, ValueType: "forecast", ExpectedLastUpdated: "v1"},
			{ProjectID: "", CanonicalRubroID: "", MonthIndex: 0, Value: 1, ValueType: "forecast"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["idempotencyKey"] != "batch-1" {
		t.Fatalf("idempotencyKey = %v", resp["idempotencyKey"])
	}
	if resp["totalItems"].(float64) != 3 || resp["successCount"].(float64) != 1 || resp["failureCount"].(float64) != 2 {
		t.Fatalf("unexpected counts: %v", resp)
	}
	if resp["auditLogId"] == "" || resp["auditLogId"] == nil {
		t.Fatal("auditLogId missing")
	}

	results := resp["results"].([]any)
	first := results[0].(map[string]any)
	if first["status"] != "success" || first["index"].(float64) != 0 {
		t.Fatalf("result[0] = %v", first)
	}
	second := results[1].(map[string]any)
	if second["status"] != "conflict" {
		t.Fatalf("result[1] = %v", second)
	}
	// The conflict token rides under the contract's snake_case name. The
	// first item already rotated the cell token, so the reported current
	// token is the rotated one.
	if second["current_last_updated"] != "tok-1" {
		t.Fatalf("current_last_updated = %v", second["current_last_updated"])
	}
	third := results[2].(map[string]any)
	if third["status"] != "error" || third["message"] == "" {
		t.Fatalf("result[2] = %v", third)
	}
}

func TestBulkUpsert_ReplaySameKey_IdenticalResponse(t *testing.T) {
	h, mem := newTestHandler()
	router := NewRouter(h)
	seed(t, mem, "proj-1", "labor", 0, 5000, "v1")

	req := BulkUpsertRequest{
		IdempotencyKey: "batch-1",
		Items: []BulkItemDTO{
			{ProjectID: "proj-1", CanonicalRubroID: "labor", MonthIndex: 0, Value: 1234, ValueType: "actual"},
		},
	}

	first := doJSON(t, router, http.MethodPost, "/forecast/bulk-upsert", req)
	second := doJSON(t, router, http.MethodPost, "/forecast/bulk-upsert", req)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses: %d, %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	cell, err := mem.GetCell(context.Background(), forecast.CellKey{ProjectID: "proj-1", CategoryID: "labor", MonthIndex: 0})
	if err != nil {
		t.Fatalf("GetCell: %v", err)
	}
	if cell.LastUpdated != "tok-1" {
		t.Fatalf("replay re-applied the write: token %s", cell.LastUpdated)
	}
}

func TestBulkUpsert_EmptyBatch_BadRequest(t *testing.T) {
	h, _ := newTestHandler()
	router := NewRouter(h)

	rec := doJSON(t, router, http.MethodPost, "/forecast/bulk-upsert", BulkUpsertRequest{
		IdempotencyKey: "batch-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestBulkUpsert_MissingKey_BadRequest(t *testing.T) {
	h, _ := newTestHandler()
	router := NewRouter(h)

	rec := doJSON(t, router, http.MethodPost, "/forecast/bulk-upsert", BulkUpsertRequest{
		Items: []BulkItemDTO{{ProjectID: "p", CanonicalRubroID: "c", MonthIndex: 0, Value: 1, ValueType: "forecast"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestGetPortfolio_DerivedSummary(t *testing.T) {
	h, mem := newTestHandler()
	router := NewRouter(h)

	seed(t, mem, "proj-1", "labor", 0, 1000, "t")
	seed(t, mem, "proj-1", "travel", 0, 500, "t")
	if err := mem.PutCell(context.Background(), forecast.Cell{
		Key:         forecast.CellKey{ProjectID: "proj-1", CategoryID: "labor", MonthIndex: 1},
		Planned:     decimal.NewFromInt(1000),
		Actual:      decimal.NewFromInt(800),
		LastUpdated: "t",
	}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, router, http.MethodGet, "/forecast/portfolio/proj-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		ProjectID string    `json:"projectId"`
		Cells     []CellDTO `json:"cells"`
		Summary   struct {
			TotalPlanned  float64 `json:"totalPlanned"`
			TotalActual   float64 `json:"totalActual"`
			TotalVariance float64 `json:"totalVariance"`
			CellCount     int     `json:"cellCount"`
		} `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Cells) != 3 || resp.Summary.CellCount != 3 {
		t.Fatalf("cells = %d, count = %d", len(resp.Cells), resp.Summary.CellCount)
	}
	if resp.Summary.TotalPlanned != 2500 || resp.Summary.TotalActual != 800 {
		t.Fatalf("summary = %+v", resp.Summary)
	}
	if resp.Summary.TotalVariance != -1700 {
		t.Fatalf("variance = %v, want -1700", resp.Summary.TotalVariance)
	}
}

func TestGetPortfolio_UnknownProject_NotFound(t *testing.T) {
	h, _ := newTestHandler()
	router := NewRouter(h)

	rec := doJSON(t, router, http.MethodGet, "/forecast/portfolio/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetAudits_CorrelatedByKey(t *testing.T) {
	h, mem := newTestHandler()
	router := NewRouter(h)
	seed(t, mem, "proj-1", "labor", 0, 5000, "v1")

	doJSON(t, router, http.MethodPost, "/forecast/bulk-upsert", BulkUpsertRequest{
		IdempotencyKey: "batch-9",
		RetriedFromKey: "batch-8",
		Items: []BulkItemDTO{
			{ProjectID: "proj-1", CanonicalRubroID: "labor", MonthIndex: 0, Value: 42, ValueType: "forecast"},
		},
	})

	rec := doJSON(t, router, http.MethodGet, "/forecast/audits/batch-9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var audits []AuditRecordDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &audits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("audits = %d, want 1", len(audits))
	}
	if audits[0].RetriedFromKey != "batch-8" || audits[0].Principal != "user-1" {
		t.Fatalf("audit = %+v", audits[0])
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestLoadScenario_SeedsCells(t *testing.T) {
	h, mem := newTestHandler()
	router := NewRouter(h)

	rec := doJSON(t, router, http.MethodPost, "/forecast/scenarios/load", LoadScenarioRequest{Scenario: "small-portfolio"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	cells, err := mem.ListCells(context.Background(), "proj-alpha")
	if err != nil {
		t.Fatalf("ListCells: %v", err)
	}
	if len(cells) != 18 { // 3 categories x 6 months
		t.Fatalf("seeded %d cells, want 18", len(cells))
	}
}
