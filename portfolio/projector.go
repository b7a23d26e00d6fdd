/*
projector.go - Optimistic projection, snapshots, and reconciliation

PURPOSE:
  Applies pending bulk items to the cached view before the server has
  answered (optimistic update), retains a snapshot of the touched cells,
  and later repairs the view from the authoritative per-item results.

KEY INSIGHT:
  Rollback restores the pre-projection snapshot, it does not "undo the
  edit arithmetically". Between projection and reconciliation nothing
  else may have produced the cell's old value, so the only trustworthy
  pre-state is the one captured at projection time.

SKIPPED COORDINATES:
  Items whose coordinates are not in the cache are silently skipped by
  the projector. The cache may not yet contain every coordinate the
  server knows about, so this is a deliberate no-op, not an error. The
  server still evaluates those items; the view picks them up on the next
  invalidation-driven refetch.

SEE ALSO:
  - view.go: View / Cache / Summary
  - client/submit.go: Drives project -> submit -> reconcile
*/
package portfolio

import (
	"github.com/warp/forecast-engine/forecast"
)

// =============================================================================
// SNAPSHOT - Pre-projection state of the touched cells
// =============================================================================

// Snapshot captures the server-confirmed state of every cell a
// projection touched, so conflicted/errored/aborted items can be rolled
// back to exactly that state.
type Snapshot struct {
	cells map[forecast.CellKey]forecast.Cell

	// skipped marks item indexes whose coordinates were absent from the
	// cache at projection time (nothing to speculate on, nothing to
	// roll back).
	skipped map[int]bool
}

// Touched reports whether the snapshot holds a pre-state for key.
func (s Snapshot) Touched(key forecast.CellKey) bool {
	_, ok := s.cells[key]
	return ok
}

// Skipped reports whether the item at index was skipped by projection.
func (s Snapshot) Skipped(index int) bool {
	return s.skipped[index]
}

// =============================================================================
// PROJECTOR
// =============================================================================

// Project speculatively applies the items to the view: the target cell's
// actual or forecast value is overwritten and variance follows (it is
// derived on read). Returns the projected view and the snapshot needed
// to roll back.
//
// The input view is not modified; subscribers see either the old view or
// the fully projected one, never something in between.
func Project(view *View, items []forecast.BulkItem) (*View, Snapshot) {
	snap := Snapshot{
		cells:   make(map[forecast.CellKey]forecast.Cell),
		skipped: make(map[int]bool),
	}

	next := view
	for i, item := range items {
		key := item.Key()
		cell, ok := next.Cell(key)
		if !ok {
			snap.skipped[i] = true
			continue
		}
		// First touch wins: if two items hit the same cell, the snapshot
		// keeps the true pre-projection state, not an intermediate one.
		if _, seen := snap.cells[key]; !seen {
			snap.cells[key] = cell
		}
		next = next.withCell(cell.WithValue(item.ValueType, item.Value))
	}
	return next, snap
}

// =============================================================================
// RECONCILER
// =============================================================================

// Reconcile merges authoritative per-item results into the view:
// successful items keep their projected value, conflicted and errored
// items are restored from the snapshot. Items the projector skipped need
// no repair.
//
// When several items target the same cell and any of them failed, the
// snapshot state wins for that cell: a half-successful pile-up on one
// cell is not representable client-side, and the invalidation-driven
// refetch brings the authoritative value.
func Reconcile(view *View, snap Snapshot, items []forecast.BulkItem, result forecast.BatchResult) *View {
	next := view
	for _, res := range result.Results {
		if res.Status == forecast.StatusSuccess {
			continue
		}
		if res.Index < 0 || res.Index >= len(items) || snap.Skipped(res.Index) {
			continue
		}
		key := items[res.Index].Key()
		if prior, ok := snap.cells[key]; ok {
			next = next.withCell(prior)
		}
	}
	return next
}

// Rollback restores every touched cell to its pre-projection state.
// Used when the transport failed or the submission was aborted: with no
// authoritative result, all speculation must be discarded.
func Rollback(view *View, snap Snapshot) *View {
	next := view
	for _, prior := range snap.cells {
		next = next.withCell(prior)
	}
	return next
}
