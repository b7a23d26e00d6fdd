/*
evaluator.go - Per-item conflict evaluation and batch processing

PURPOSE:
  The server-side half of the protocol. For each item in a batch,
  independently: authorize, validate, then apply the write against the
  cell's version token. A matching (or absent) expected token applies the
  write and issues a fresh token; a mismatch reports a conflict carrying
  the cell's actual current token; anything else reports an error.

INDEPENDENCE:
  Items are evaluated one by one with no shared outcome: one item's
  conflict or error never blocks or rolls back any other item. This
  trades batch-wide atomicity for throughput and partial progress.

IDEMPOTENCY:
  ProcessBatch first consults the BatchRecordStore. A key that was
  already processed short-circuits to the stored result - the repeat
  answer is identical and no item is applied twice.

UPSERT SEMANTICS:
  An unconditional item (no expected token) creates the cell if absent,
  with a zero planned baseline. A conditional item against a missing
  cell is an error: there is no token to compare.

SEE ALSO:
  - store.go: CellStore / BatchRecordStore / AuditStore contracts
  - types.go: BatchRequest / BatchResult / ItemResult
*/
package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator processes batches against the authoritative cell store.
type Evaluator struct {
	Cells   CellStore
	Batches BatchRecordStore
	Audits  AuditStore

	// Auth is consulted per item. Defaults to AllowAll.
	Auth Authorizer

	// Clock issues version tokens. Defaults to a UTCTokenClock.
	Clock TokenClock

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewEvaluator wires an evaluator over the given stores.
func NewEvaluator(cells CellStore, batches BatchRecordStore, audits AuditStore) *Evaluator {
	return &Evaluator{
		Cells:   cells,
		Batches: batches,
		Audits:  audits,
		Auth:    AllowAll{},
		Clock:   &UTCTokenClock{},
		Now:     time.Now,
	}
}

// ValidateBatch checks batch-level bounds without touching any store.
func ValidateBatch(req BatchRequest) error {
	if req.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if len(req.Items) == 0 {
		return ErrEmptyBatch
	}
	if len(req.Items) > MaxBatchSize {
		return &BatchSizeError{Size: len(req.Items), Max: MaxBatchSize}
	}
	return nil
}

// ProcessBatch evaluates every item independently and returns one result
// per item, in submission order. A previously processed idempotency key
// replays the stored result without re-applying anything.
//
// The returned error covers whole-call failures only (validation, store
// outage); per-item failures travel inside the BatchResult.
func (e *Evaluator) ProcessBatch(ctx context.Context, principal string, req BatchRequest) (BatchResult, error) {
	if err := ValidateBatch(req); err != nil {
		return BatchResult{}, err
	}

	// Idempotency replay: a completed key is answered from the record,
	// byte-identical to the first response.
	if prior, err := e.Batches.LookupBatch(ctx, req.IdempotencyKey); err != nil {
		return BatchResult{}, fmt.Errorf("idempotency lookup: %w", err)
	} else if prior != nil {
		return *prior, nil
	}

	result := BatchResult{
		IdempotencyKey: req.IdempotencyKey,
		Results:        make([]ItemResult, len(req.Items)),
		AuditLogID:     uuid.NewString(),
	}
	for i, item := range req.Items {
		result.Results[i] = e.evaluateItem(ctx, principal, i, item)
	}
	result.RecountTotals()

	processedAt := e.Now()
	if err := e.Batches.SaveBatch(ctx, result, processedAt); err != nil {
		// Lost a race with a concurrent submission of the same key:
		// the other processing is authoritative.
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			if prior, lookupErr := e.Batches.LookupBatch(ctx, req.IdempotencyKey); lookupErr == nil && prior != nil {
				return *prior, nil
			}
		}
		return BatchResult{}, fmt.Errorf("save batch record: %w", err)
	}

	if err := e.Audits.AppendAudit(ctx, AuditRecord{
		ID:             result.AuditLogID,
		IdempotencyKey: req.IdempotencyKey,
		RetriedFromKey: req.RetriedFromKey,
		Principal:      principal,
		TotalItems:     len(req.Items),
		SuccessCount:   result.SuccessCount,
		FailureCount:   result.FailureCount,
		ProcessedAt:    processedAt,
	}); err != nil {
		return BatchResult{}, fmt.Errorf("append audit: %w", err)
	}

	return result, nil
}

// evaluateItem runs one item through authorize -> validate -> token
// compare -> apply. Never returns a Go
// error; every failure is an ItemResult so siblings are unaffected.
func (e *Evaluator) evaluateItem(ctx context.Context, principal string, index int, item BulkItem) ItemResult {
	key := item.Key()
	if !key.Valid() {
		return ErrorResult(index, "invalid coordinates: "+key.String())
	}
	if !item.ValueType.Valid() {
		return ErrorResult(index, fmt.Sprintf("invalid value type %q", item.ValueType))
	}

	allowed, err := e.Auth.CanWrite(ctx, principal, key)
	if err != nil {
		return ErrorResult(index, "authorization check failed: "+err.Error())
	}
	if !allowed {
		return ErrorResult(index, fmt.Sprintf("write denied for cell %s", key))
	}

	if item.ExpectedLastUpdated == "" {
		return e.applyUnconditional(ctx, index, item)
	}
	return e.applyConditional(ctx, index, item)
}

// applyUnconditional is last-write-wins: the cell is created if absent.
func (e *Evaluator) applyUnconditional(ctx context.Context, index int, item BulkItem) ItemResult {
	cell, err := e.Cells.GetCell(ctx, item.Key())
	if errors.Is(err, ErrCellNotFound) {
		cell = Cell{Key: item.Key()}
	} else if err != nil {
		return ErrorResult(index, "cell read failed: "+err.Error())
	}

	cell = cell.WithValue(item.ValueType, item.Value)
	cell.LastUpdated = e.Clock.NextToken()
	if err := e.Cells.PutCell(ctx, cell); err != nil {
		return ErrorResult(index, "cell write failed: "+err.Error())
	}
	return SuccessResult(index)
}

// applyConditional applies only if the expected token still matches.
func (e *Evaluator) applyConditional(ctx context.Context, index int, item BulkItem) ItemResult {
	cell, err := e.Cells.GetCell(ctx, item.Key())
	if errors.Is(err, ErrCellNotFound) {
		return ErrorResult(index, "invalid coordinates: no cell at "+item.Key().String())
	}
	if err != nil {
		return ErrorResult(index, "cell read failed: "+err.Error())
	}

	// A stale read between GetCell and ApplyIf is harmless: ApplyIf
	// re-checks the token atomically and reports the winner's token.
	next := cell.WithValue(item.ValueType, item.Value)
	next.LastUpdated = e.Clock.NextToken()
	err = e.Cells.ApplyIf(ctx, next, item.ExpectedLastUpdated)
	if err == nil {
		return SuccessResult(index)
	}

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return ConflictResult(index, conflict.Current)
	}
	if errors.Is(err, ErrVersionMismatch) {
		// Store reported a mismatch without the current token; re-read
		// so the caller can still construct a retry.
		if current, readErr := e.Cells.GetCell(ctx, item.Key()); readErr == nil {
			return ConflictResult(index, current.LastUpdated)
		}
		return ConflictResult(index, "")
	}
	return ErrorResult(index, "cell write failed: "+err.Error())
}
