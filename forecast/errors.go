/*
errors.go - Centralized error types for the forecast engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers should match with errors.Is / errors.As, not string comparison.

ERROR CATEGORIES:
  1. Batch validation errors - rejected before any item is evaluated
  2. Per-cell concurrency errors - version token mismatches
  3. Store errors - persistence-level failures

Per-item failures inside a batch are NOT Go errors: they travel as
conflict/error entries in BatchResult so one item can never abort its
siblings. The errors here are for whole-call failures only.

SEE ALSO:
  - evaluator.go: Converts store errors into per-item results
  - store.go: Store contracts that return these errors
*/
package forecast

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrEmptyBatch is returned when a batch carries no items.
	// Rejected client-side before any network call.
	ErrEmptyBatch = errors.New("batch contains no items")

	// ErrBatchTooLarge is returned when a batch exceeds MaxBatchSize.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")

	// ErrMissingIdempotencyKey is returned when a batch has no key.
	// Every logical batch attempt must carry one.
	ErrMissingIdempotencyKey = errors.New("missing idempotency key")

	// ErrCellNotFound is returned when a conditional write targets a cell
	// that does not exist in the store.
	ErrCellNotFound = errors.New("cell not found")

	// ErrVersionMismatch is returned by conditional writes when the
	// expected token does not match the cell's current token.
	ErrVersionMismatch = errors.New("version token mismatch")

	// ErrDuplicateIdempotencyKey is returned when a batch record already
	// exists for a key. Expected behavior for transport retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidCoordinates is returned for malformed cell coordinates.
	ErrInvalidCoordinates = errors.New("invalid cell coordinates")

	// ErrInvalidValue is returned when an item's value fails domain
	// validation.
	ErrInvalidValue = errors.New("invalid value")

	// ErrWriteDenied is returned when the external authorization decision
	// point denies a write.
	ErrWriteDenied = errors.New("write denied")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError reports a version-token mismatch for one cell. The
// Current token is what the caller needs to construct a retry.
type ConflictError struct {
	Key      CellKey
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cell %s: expected token %q but current is %q", e.Key, e.Expected, e.Current)
}

func (e *ConflictError) Unwrap() error {
	return ErrVersionMismatch
}

// BatchSizeError reports how far out of bounds a batch was.
type BatchSizeError struct {
	Size int
	Max  int
}

func (e *BatchSizeError) Error() string {
	return fmt.Sprintf("batch of %d items exceeds maximum of %d", e.Size, e.Max)
}

func (e *BatchSizeError) Unwrap() error {
	return ErrBatchTooLarge
}
