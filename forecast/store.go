/*
store.go - Persistence interfaces for cells, batch records, and audits

PURPOSE:
  Defines the interface between the evaluator and the authoritative store.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  CellStore:        Cell reads and version-token conditional writes
  BatchRecordStore: Processed-batch records for idempotency replay
  AuditStore:       Append-only audit trail correlated by idempotency key

CONDITIONAL WRITE CONTRACT:
  ApplyIf is the one hard consistency requirement on the persistence
  layer: the read-compare-write against the version token must be
  effectively atomic per cell. The SQLite implementation uses a single
  conditional UPDATE; a Dynamo-style store would use a conditional put.

IDEMPOTENCY REPLAY:
  Processed batches are persisted with their full serialized result.
  A repeated idempotency key short-circuits to the stored result, so
  the repeat is byte-identical and nothing is re-applied. Records are
  short-lived; PurgeBatchesBefore implements retention.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - forecast/store/memory.go: In-memory for testing/demo

SEE ALSO:
  - evaluator.go: The only consumer of these interfaces
*/
package forecast

import (
	"context"
	"time"
)

// =============================================================================
// CELL STORE
// =============================================================================

// CellStore is the authoritative per-cell state.
type CellStore interface {
	// GetCell returns the cell at key, or ErrCellNotFound.
	GetCell(ctx context.Context, key CellKey) (Cell, error)

	// PutCell writes the cell unconditionally (last-write-wins), creating
	// it if absent. The caller supplies the new version token.
	PutCell(ctx context.Context, cell Cell) error

	// ApplyIf writes the cell only if its current version token equals
	// expectedToken. Returns ErrVersionMismatch (wrapped in a
	// ConflictError carrying the current token) on mismatch, and
	// ErrCellNotFound if the cell does not exist.
	//
	// The read-compare-write must be atomic per cell.
	ApplyIf(ctx context.Context, cell Cell, expectedToken string) error

	// ListCells returns all cells for a project, for cache refresh.
	ListCells(ctx context.Context, projectID string) ([]Cell, error)
}

// =============================================================================
// BATCH RECORD STORE - Idempotency replay
// =============================================================================

// BatchRecordStore persists processed batches keyed by idempotency key.
type BatchRecordStore interface {
	// LookupBatch returns the stored result for a key, or (nil, nil) if
	// the key has not been processed.
	LookupBatch(ctx context.Context, idempotencyKey string) (*BatchResult, error)

	// SaveBatch records a processed batch. Returns
	// ErrDuplicateIdempotencyKey if the key is already recorded.
	SaveBatch(ctx context.Context, result BatchResult, processedAt time.Time) error

	// PurgeBatchesBefore removes records processed before cutoff.
	// Returns the number of records removed.
	PurgeBatchesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// =============================================================================
// AUDIT STORE
// =============================================================================

// AuditRecord is one processed batch, for traceability. One record per
// batch, correlated by idempotency key; RetriedFromKey links an
// auto-retry batch back to its original attempt.
type AuditRecord struct {
	ID             string
	IdempotencyKey string
	RetriedFromKey string
	Principal      string
	TotalItems     int
	SuccessCount   int
	FailureCount   int
	ProcessedAt    time.Time
}

// AuditStore is an append-only audit trail.
type AuditStore interface {
	// AppendAudit records one processed batch. Append-only.
	AppendAudit(ctx context.Context, rec AuditRecord) error

	// AuditsByKey returns records for an idempotency key, oldest first.
	AuditsByKey(ctx context.Context, idempotencyKey string) ([]AuditRecord, error)
}

// =============================================================================
// AUTHORIZATION - External decision point
// =============================================================================

// Authorizer answers "may principal P write cell C?". The decision itself
// (policy store, role mapping) is external; the evaluator only consumes
// the answer. A deny surfaces as a per-item error, never as a transport
// failure or a silent success.
type Authorizer interface {
	CanWrite(ctx context.Context, principal string, key CellKey) (bool, error)
}

// AllowAll permits every write. Used when authorization is handled
// upstream or in tests.
type AllowAll struct{}

func (AllowAll) CanWrite(context.Context, string, CellKey) (bool, error) {
	return true, nil
}
