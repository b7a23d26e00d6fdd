/*
handlers.go - HTTP API handlers for the bulk-upsert engine

PURPOSE:
  Exposes the forecast engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  POST   /forecast/bulk-upsert            Process one batch
  GET    /forecast/portfolio/{projectId}  Cells + derived summary
  GET    /forecast/cells/{projectId}      Flat cell list
  GET    /forecast/audits/{key}           Audit records for a key
  POST   /forecast/scenarios/load         Seed demo data

ARCHITECTURE:
  Handler holds the evaluator and the read-side stores. All writes go
  through Evaluator.ProcessBatch; handlers never touch cells directly.

ERROR HANDLING:
  - 400: empty/oversized batch, malformed body
  - 404: unknown project/key on reads
  - 500: store failures
  A replayed idempotency key is NOT an error: the stored result is
  returned with 200, identical to the first response.

PRINCIPAL:
  The bearer token stands in for an externally-issued identity. Token
  validation and role mapping are outside this service; the principal is
  passed through to the per-item authorization hook and the audit trail.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - forecast/evaluator.go: The logic behind bulk-upsert
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/forecast-engine/forecast"
	"github.com/warp/forecast-engine/portfolio"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Evaluator *forecast.Evaluator
	Cells     forecast.CellStore
	Audits    forecast.AuditStore
}

// NewHandler creates a new handler around an evaluator.
func NewHandler(ev *forecast.Evaluator) *Handler {
	return &Handler{Evaluator: ev, Cells: ev.Cells, Audits: ev.Audits}
}

// =============================================================================
// BULK UPSERT
// =============================================================================

// BulkUpsert processes one batch.
// POST /forecast/bulk-upsert
func (h *Handler) BulkUpsert(w http.ResponseWriter, r *http.Request) {
	var req BulkUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	items := make([]forecast.BulkItem, len(req.Items))
	for i, dto := range req.Items {
		item, err := dto.ToBulkItem()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid item", err)
			return
		}
		items[i] = item
	}

	batch := forecast.BatchRequest{
		IdempotencyKey: req.IdempotencyKey,
		Items:          items,
		RetriedFromKey: req.RetriedFromKey,
	}
	if err := forecast.ValidateBatch(batch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch", err)
		return
	}

	result, err := h.Evaluator.ProcessBatch(r.Context(), principalFrom(r.Context()), batch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to process batch", err)
		return
	}

	writeJSON(w, http.StatusOK, FromBatchResult(result))
}

// =============================================================================
// READ SIDE
// =============================================================================

// GetPortfolio returns a project's cells plus derived summary totals.
// GET /forecast/portfolio/{projectId}
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	cells, err := h.Cells.ListCells(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list cells", err)
		return
	}
	if len(cells) == 0 {
		writeError(w, http.StatusNotFound, "Project not found", nil)
		return
	}

	summary := portfolio.NewView(cells).Summary()
	dtos := make([]CellDTO, len(cells))
	for i, cell := range cells {
		dtos[i] = FromCell(cell)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"projectId": projectID,
		"cells":     dtos,
		"summary": map[string]any{
			"totalPlanned":  summary.TotalPlanned.InexactFloat64(),
			"totalActual":   summary.TotalActual.InexactFloat64(),
			"totalForecast": summary.TotalForecast.InexactFloat64(),
			"totalVariance": summary.TotalVariance.InexactFloat64(),
			"utilization":   summary.Utilization.InexactFloat64(),
			"cellCount":     summary.CellCount,
		},
	})
}

// ListCells returns a project's cells without aggregates.
// GET /forecast/cells/{projectId}
func (h *Handler) ListCells(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")

	cells, err := h.Cells.ListCells(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list cells", err)
		return
	}

	dtos := make([]CellDTO, len(cells))
	for i, cell := range cells {
		dtos[i] = FromCell(cell)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAudits returns the audit records for an idempotency key. An
// auto-retried batch shows up under its own key with retriedFromKey set.
// GET /forecast/audits/{key}
func (h *Handler) GetAudits(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	records, err := h.Audits.AuditsByKey(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit records", err)
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "No audit records for key", nil)
		return
	}

	dtos := make([]AuditRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = AuditRecordDTO{
			ID:             rec.ID,
			IdempotencyKey: rec.IdempotencyKey,
			RetriedFromKey: rec.RetriedFromKey,
			Principal:      rec.Principal,
			TotalItems:     rec.TotalItems,
			SuccessCount:   rec.SuccessCount,
			FailureCount:   rec.FailureCount,
			ProcessedAt:    rec.ProcessedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PRINCIPAL EXTRACTION
// =============================================================================

type contextKey string

const principalKey contextKey = "principal"

// withPrincipal stores the bearer token's subject on the context.
// Identity derivation (Cognito groups, role mapping) is external; the
// raw token subject is enough to thread through authorization and audit.
func withPrincipal(r *http.Request) *http.Request {
	auth := r.Header.Get("Authorization")
	principal := ""
	if strings.HasPrefix(auth, "Bearer ") {
		principal = strings.TrimPrefix(auth, "Bearer ")
	}
	return r.WithContext(context.WithValue(r.Context(), principalKey, principal))
}

func principalFrom(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey).(string); ok {
		return p
	}
	return ""
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
