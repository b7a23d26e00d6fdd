// Package store provides in-memory implementations of the forecast
// persistence interfaces, for testing and demo use.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/forecast-engine/forecast"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements CellStore, BatchRecordStore, and AuditStore behind a
// single mutex, which makes the per-cell read-compare-write trivially
// atomic.
type Memory struct {
	mu      sync.RWMutex
	cells   map[forecast.CellKey]forecast.Cell
	batches map[string]batchRecord
	audits  []forecast.AuditRecord
}

type batchRecord struct {
	result      forecast.BatchResult
	processedAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		cells:   make(map[forecast.CellKey]forecast.Cell),
		batches: make(map[string]batchRecord),
	}
}

// =============================================================================
// CELL STORE
// =============================================================================

func (m *Memory) GetCell(_ context.Context, key forecast.CellKey) (forecast.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cell, ok := m.cells[key]
	if !ok {
		return forecast.Cell{}, forecast.ErrCellNotFound
	}
	return cell, nil
}

func (m *Memory) PutCell(_ context.Context, cell forecast.Cell) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cells[cell.Key] = cell
	return nil
}

// ApplyIf performs the conditional write. Check and write happen under
// one lock, so the compare is atomic per cell.
func (m *Memory) ApplyIf(_ context.Context, cell forecast.Cell, expectedToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.cells[cell.Key]
	if !ok {
		return forecast.ErrCellNotFound
	}
	if current.LastUpdated != expectedToken {
		return &forecast.ConflictError{
			Key:      cell.Key,
			Expected: expectedToken,
			Current:  current.LastUpdated,
		}
	}
	m.cells[cell.Key] = cell
	return nil
}

func (m *Memory) ListCells(_ context.Context, projectID string) ([]forecast.Cell, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []forecast.Cell
	for _, cell := range m.cells {
		if cell.Key.ProjectID == projectID {
			out = append(out, cell)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.CategoryID != b.CategoryID {
			return a.CategoryID < b.CategoryID
		}
		return a.MonthIndex < b.MonthIndex
	})
	return out, nil
}

// =============================================================================
// BATCH RECORD STORE - Idempotency replay
// =============================================================================

func (m *Memory) LookupBatch(_ context.Context, idempotencyKey string) (*forecast.BatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.batches[idempotencyKey]
	if !ok {
		return nil, nil
	}
	result := rec.result
	result.Results = append([]forecast.ItemResult(nil), rec.result.Results...)
	return &result, nil
}

func (m *Memory) SaveBatch(_ context.Context, result forecast.BatchResult, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[result.IdempotencyKey]; ok {
		return forecast.ErrDuplicateIdempotencyKey
	}
	stored := result
	stored.Results = append([]forecast.ItemResult(nil), result.Results...)
	m.batches[result.IdempotencyKey] = batchRecord{result: stored, processedAt: processedAt}
	return nil
}

func (m *Memory) PurgeBatchesBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, rec := range m.batches {
		if rec.processedAt.Before(cutoff) {
			delete(m.batches, key)
			removed++
		}
	}
	return removed, nil
}

// =============================================================================
// AUDIT STORE
// =============================================================================

func (m *Memory) AppendAudit(_ context.Context, rec forecast.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audits = append(m.audits, rec)
	return nil
}

func (m *Memory) AuditsByKey(_ context.Context, idempotencyKey string) ([]forecast.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []forecast.AuditRecord
	for _, rec := range m.audits {
		if rec.IdempotencyKey == idempotencyKey {
			out = append(out, rec)
		}
	}
	return out, nil
}
