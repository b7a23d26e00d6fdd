/*
Package forecast provides the core bulk-upsert and optimistic-concurrency engine.

PURPOSE:
  This package contains the domain model and server-side algorithms for
  applying large sets of cell-level updates to a shared multi-dimensional
  financial forecast (project x cost-category x month x value-type). Many
  independent actors submit batches; each item is evaluated against a
  per-cell version token so concurrent edits are detected, never silently
  lost, and retried requests are never double-applied.

KEY CONCEPTS IN THIS FILE (types.go):
  - CellKey: Coordinates of one forecast cell (project, category, month)
  - Cell: The atomic unit of mutation, carrying planned/actual/forecast
    values and an opaque version token
  - BulkItem: One requested mutation (coordinates + value + value kind +
    optional expected version token)
  - BatchRequest/BatchResult: The wire-level batch protocol
  - ItemResult: A closed tagged union (success | conflict | error)

DESIGN PRINCIPLES:
  1. Precision: Monetary values use decimal.Decimal, never float64
  2. Derived values: Variance is always computed from actual - planned,
     never stored or transmitted independently
  3. Opaque tokens: Version tokens are compared by string equality only;
     they are a logical clock, not wall-clock truth
  4. Closed unions: ItemResult makes illegal states (e.g. "success" with
     an error message) unrepresentable

USAGE:
  item := forecast.BulkItem{
      ProjectID:  "proj-1",
      CategoryID: "labor",
      MonthIndex: 3,
      Value:      decimal.NewFromInt(50000),
      ValueType:  forecast.ValueForecast,
  }
  result, err := evaluator.ProcessBatch(ctx, principal, forecast.BatchRequest{
      IdempotencyKey: key,
      Items:          []forecast.BulkItem{item},
  })

SEE ALSO:
  - evaluator.go: Per-item conflict evaluation and batch processing
  - store.go: Persistence interfaces (CellStore, BatchRecordStore, AuditStore)
  - errors.go: Sentinel and structured errors
*/
package forecast

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CELL COORDINATES
// =============================================================================

// CellKey identifies one forecast cell: project x cost-category x month.
// MonthIndex is a 0-based offset from the reporting window start.
type CellKey struct {
	ProjectID  string
	CategoryID string
	MonthIndex int
}

func (k CellKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.ProjectID, k.CategoryID, k.MonthIndex)
}

// Valid reports whether the coordinates are well-formed.
// It says nothing about whether the cell exists in any store.
func (k CellKey) Valid() bool {
	return k.ProjectID != "" && k.CategoryID != "" && k.MonthIndex >= 0
}

// =============================================================================
// CELL - Atomic unit of mutation
// =============================================================================

// Cell holds the values for one coordinate.
//
// INVARIANTS:
//   - Planned is an immutable baseline; this engine never mutates it.
//   - Variance is always Actual - Planned, derived on read. There is no
//     variance field to drift out of sync.
//   - LastUpdated is an opaque version token. The engine compares tokens
//     by string equality and never interprets them as timestamps.
type Cell struct {
	Key      CellKey
	Planned  decimal.Decimal
	Actual   decimal.Decimal
	Forecast decimal.Decimal

	// LastUpdated is the cell's current version token.
	LastUpdated string
}

// Variance returns actual minus planned. Derived, never stored.
func (c Cell) Variance() decimal.Decimal {
	return c.Actual.Sub(c.Planned)
}

// WithValue returns a copy of the cell with the given value kind overwritten.
func (c Cell) WithValue(vt ValueType, v decimal.Decimal) Cell {
	switch vt {
	case ValueActual:
		c.Actual = v
	case ValueForecast:
		c.Forecast = v
	}
	return c
}

// =============================================================================
// VALUE TYPE
// =============================================================================

// ValueType selects which mutable cell field a bulk item targets.
type ValueType string

const (
	ValueForecast ValueType = "forecast"
	ValueActual   ValueType = "actual"
)

// Valid reports whether vt is one of the two known kinds.
func (vt ValueType) Valid() bool {
	return vt == ValueForecast || vt == ValueActual
}

// =============================================================================
// VERSION TOKENS
// =============================================================================

// TokenClock issues fresh version tokens. Injectable so tests can use a
// deterministic sequence.
type TokenClock interface {
	NextToken() string
}

// UTCTokenClock issues RFC3339Nano UTC timestamps. Collisions within the
// same nanosecond are broken by a monotonic re-read, so two consecutive
// tokens are never equal. Safe for concurrent use: one clock is shared
// by every handler goroutine evaluating batches.
type UTCTokenClock struct {
	mu   sync.Mutex
	last string
}

func (c *UTCTokenClock) NextToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := time.Now().UTC().Format(time.RFC3339Nano)
	for token == c.last {
		token = time.Now().UTC().Format(time.RFC3339Nano)
	}
	c.last = token
	return token
}

// =============================================================================
// BULK ITEM - One requested mutation
// =============================================================================

// BulkItem is one requested cell mutation. Created by a caller action,
// consumed exactly once by one batch submission, never mutated after
// creation.
type BulkItem struct {
	ProjectID  string
	CategoryID string
	MonthIndex int
	Value      decimal.Decimal
	ValueType  ValueType

	// ExpectedLastUpdated is the version token the client believes is
	// current. Empty means "apply unconditionally" (last-write-wins).
	ExpectedLastUpdated string
}

// Key returns the target cell coordinates.
func (it BulkItem) Key() CellKey {
	return CellKey{ProjectID: it.ProjectID, CategoryID: it.CategoryID, MonthIndex: it.MonthIndex}
}

// =============================================================================
// BATCH REQUEST / RESULT
// =============================================================================

// MaxBatchSize bounds a single request's blast radius and latency.
const MaxBatchSize = 1000

// BatchRequest is one logical batch attempt. The idempotency key is minted
// once per logical action and reused verbatim across transport-level
// retries; the server will not reprocess an already-completed key.
type BatchRequest struct {
	IdempotencyKey string
	Items          []BulkItem

	// RetriedFromKey correlates an auto-retry batch with the original
	// attempt in audit logs. Empty for first attempts.
	RetriedFromKey string
}

// ItemStatus tags the per-item outcome union.
type ItemStatus string

const (
	StatusSuccess  ItemStatus = "success"
	StatusConflict ItemStatus = "conflict"
	StatusError    ItemStatus = "error"
)

// ItemResult is the outcome for one input item.
//
// Closed union: CurrentLastUpdated is set only for conflicts (the cell's
// actual current token), Message only for errors. Constructors below are
// the only intended way to build one.
type ItemResult struct {
	Index  int
	Status ItemStatus

	// CurrentLastUpdated is the cell's current token. Conflict only.
	CurrentLastUpdated string

	// Message describes a non-conflict failure. Error only.
	Message string
}

func SuccessResult(index int) ItemResult {
	return ItemResult{Index: index, Status: StatusSuccess}
}

func ConflictResult(index int, currentToken string) ItemResult {
	return ItemResult{Index: index, Status: StatusConflict, CurrentLastUpdated: currentToken}
}

func ErrorResult(index int, message string) ItemResult {
	return ItemResult{Index: index, Status: StatusError, Message: message}
}

// BatchResult is the authoritative per-item answer for one batch.
//
// INVARIANTS:
//   - len(Results) == number of submitted items, Results[i].Index == i
//   - SuccessCount + FailureCount == len(Results)
type BatchResult struct {
	IdempotencyKey string
	Results        []ItemResult
	SuccessCount   int
	FailureCount   int

	// AuditLogID correlates the batch with its audit record.
	AuditLogID string
}

// Conflicts returns the conflicted results, in submission order.
func (r BatchResult) Conflicts() []ItemResult {
	var out []ItemResult
	for _, res := range r.Results {
		if res.Status == StatusConflict {
			out = append(out, res)
		}
	}
	return out
}

// RecountTotals recomputes the redundant aggregates from Results.
func (r *BatchResult) RecountTotals() {
	r.SuccessCount = 0
	r.FailureCount = 0
	for _, res := range r.Results {
		if res.Status == StatusSuccess {
			r.SuccessCount++
		} else {
			r.FailureCount++
		}
	}
}
