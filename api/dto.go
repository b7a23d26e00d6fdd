/*
dto.go - Data Transfer Objects for the bulk-upsert wire contract

PURPOSE:
  Defines the JSON structures exchanged on POST /forecast/bulk-upsert and
  the portfolio read endpoints. These types decouple the internal domain
  model from the external API contract. The submission client reuses them
  so client and server can never drift apart on field names.

NAMING CONVENTION:
  The contract mixes camelCase envelope fields with snake_case token
  fields (expected_last_updated / current_last_updated); the tags below
  are the contract, do not "fix" them.

VALIDATION:
  DTOs are pure data carriers. Structural validation (finite value,
  known value type) happens in the conversion helpers; domain validation
  happens in the evaluator.

SEE ALSO:
  - handlers.go: Uses these types
  - client/client.go: Marshals requests with these types
*/
package api

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/warp/forecast-engine/forecast"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// BulkItemDTO is one requested cell mutation on the wire.
type BulkItemDTO struct {
	ProjectID           string  `json:"projectId"`
	CanonicalRubroID    string  `json:"canonicalRubroId"`
	MonthIndex          int     `json:"monthIndex"`
	Value               float64 `json:"value"`
	ValueType           string  `json:"valueType"`
	ExpectedLastUpdated string  `json:"expected_last_updated,omitempty"`
}

// BulkUpsertRequest is the batch envelope.
type BulkUpsertRequest struct {
	IdempotencyKey string        `json:"idempotencyKey"`
	Items          []BulkItemDTO `json:"items"`
	RetriedFromKey string        `json:"retriedFromKey,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ItemResultDTO is the per-item outcome. current_last_updated is present
// only for conflicts, message only for errors.
type ItemResultDTO struct {
	Index              int    `json:"index"`
	Status             string `json:"status"`
	CurrentLastUpdated string `json:"current_last_updated,omitempty"`
	Message            string `json:"message,omitempty"`
}

// BulkUpsertResponse echoes the idempotency key with one result per item.
type BulkUpsertResponse struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	TotalItems     int             `json:"totalItems"`
	SuccessCount   int             `json:"successCount"`
	FailureCount   int             `json:"failureCount"`
	Results        []ItemResultDTO `json:"results"`
	AuditLogID     string          `json:"auditLogId,omitempty"`
}

// CellDTO is a read-side cell representation. Variance is derived
// server-side so every consumer sees actual - planned, by construction.
type CellDTO struct {
	ProjectID   string  `json:"projectId"`
	CategoryID  string  `json:"canonicalRubroId"`
	MonthIndex  int     `json:"monthIndex"`
	Planned     float64 `json:"planned"`
	Actual      float64 `json:"actual"`
	Forecast    float64 `json:"forecast"`
	Variance    float64 `json:"variance"`
	LastUpdated string  `json:"lastUpdated"`
}

// AuditRecordDTO is a read-side audit row.
type AuditRecordDTO struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotencyKey"`
	RetriedFromKey string `json:"retriedFromKey,omitempty"`
	Principal      string `json:"principal"`
	TotalItems     int    `json:"totalItems"`
	SuccessCount   int    `json:"successCount"`
	FailureCount   int    `json:"failureCount"`
	ProcessedAt    string `json:"processedAt"`
}

// ErrorResponse is the envelope for whole-request failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// ToBulkItem converts a wire item to the domain type. Non-finite values
// cannot appear in valid JSON but are rejected anyway for callers that
// build DTOs programmatically.
func (d BulkItemDTO) ToBulkItem() (forecast.BulkItem, error) {
	if math.IsNaN(d.Value) || math.IsInf(d.Value, 0) {
		return forecast.BulkItem{}, fmt.Errorf("%w: non-finite value", forecast.ErrInvalidValue)
	}
	return forecast.BulkItem{
		ProjectID:           d.ProjectID,
		CategoryID:          d.CanonicalRubroID,
		MonthIndex:          d.MonthIndex,
		Value:               decimal.NewFromFloat(d.Value),
		ValueType:           forecast.ValueType(d.ValueType),
		ExpectedLastUpdated: d.ExpectedLastUpdated,
	}, nil
}

// FromBulkItem converts a domain item to its wire form.
func FromBulkItem(item forecast.BulkItem) BulkItemDTO {
	return BulkItemDTO{
		ProjectID:           item.ProjectID,
		CanonicalRubroID:    item.CategoryID,
		MonthIndex:          item.MonthIndex,
		Value:               item.Value.InexactFloat64(),
		ValueType:           string(item.ValueType),
		ExpectedLastUpdated: item.ExpectedLastUpdated,
	}
}

// FromBatchResult converts a domain result to the response envelope.
func FromBatchResult(result forecast.BatchResult) BulkUpsertResponse {
	results := make([]ItemResultDTO, len(result.Results))
	for i, res := range result.Results {
		results[i] = ItemResultDTO{
			Index:              res.Index,
			Status:             string(res.Status),
			CurrentLastUpdated: res.CurrentLastUpdated,
			Message:            res.Message,
		}
	}
	return BulkUpsertResponse{
		IdempotencyKey: result.IdempotencyKey,
		TotalItems:     len(result.Results),
		SuccessCount:   result.SuccessCount,
		FailureCount:   result.FailureCount,
		Results:        results,
		AuditLogID:     result.AuditLogID,
	}
}

// ToBatchResult converts a response envelope back to the domain type.
func (r BulkUpsertResponse) ToBatchResult() forecast.BatchResult {
	results := make([]forecast.ItemResult, len(r.Results))
	for i, res := range r.Results {
		results[i] = forecast.ItemResult{
			Index:              res.Index,
			Status:             forecast.ItemStatus(res.Status),
			CurrentLastUpdated: res.CurrentLastUpdated,
			Message:            res.Message,
		}
	}
	return forecast.BatchResult{
		IdempotencyKey: r.IdempotencyKey,
		Results:        results,
		SuccessCount:   r.SuccessCount,
		FailureCount:   r.FailureCount,
		AuditLogID:     r.AuditLogID,
	}
}

// FromCell converts a domain cell to its wire form.
func FromCell(cell forecast.Cell) CellDTO {
	return CellDTO{
		ProjectID:   cell.Key.ProjectID,
		CategoryID:  cell.Key.CategoryID,
		MonthIndex:  cell.Key.MonthIndex,
		Planned:     cell.Planned.InexactFloat64(),
		Actual:      cell.Actual.InexactFloat64(),
		Forecast:    cell.Forecast.InexactFloat64(),
		Variance:    cell.Variance().InexactFloat64(),
		LastUpdated: cell.LastUpdated,
	}
}
