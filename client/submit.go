/*
submit.go - Submitter: optimistic submit, reconcile, bounded retry

PURPOSE:
  Drives the full client-side lifecycle of a batch:

    Pending -> Speculated            (optimistic projection)
            -> Applied | Conflicted | Errored   (per-item result)
            -> Committed | RolledBack | Retried (reconciliation)

  Retried items re-enter Pending exactly once; a second conflict is
  surfaced to the caller, never retried again.

IDEMPOTENCY DISCIPLINE:
  Prepare mints the batch key once and caches it on the InFlight object.
  Transport-level retries resend the identical InFlight (same key, same
  items). The auto-retry batch for conflicts is a NEW logical action: it
  gets a fresh key, with RetriedFromKey pointing at the original for
  audit correlation.

CACHE OWNERSHIP:
  Only this file replaces the portfolio cache view, and only through
  portfolio.Project / Reconcile / Rollback, so every subscriber sees
  whole before/after views and never a half-applied batch.

SEE ALSO:
  - client.go: Transport and the error split
  - portfolio/projector.go: Projection and snapshot mechanics
*/
package client

import (
	"context"

	"github.com/google/uuid"

	"github.com/warp/forecast-engine/forecast"
	"github.com/warp/forecast-engine/portfolio"
)

// =============================================================================
// ITEM STATE MACHINE
// =============================================================================

// ItemState tracks one item through the submission lifecycle.
type ItemState string

const (
	StatePending    ItemState = "pending"
	StateSpeculated ItemState = "speculated"
	StateApplied    ItemState = "applied"
	StateConflicted ItemState = "conflicted"
	StateErrored    ItemState = "errored"
	StateCommitted  ItemState = "committed"
	StateRolledBack ItemState = "rolled_back"
	StateRetried    ItemState = "retried"
)

// =============================================================================
// OPTIONS AND CALLBACKS
// =============================================================================

// Conflict pairs a rejected item with the cell's actual current token,
// for manual resolution UIs ("keep yours / take theirs").
type Conflict struct {
	Item               forecast.BulkItem
	CurrentLastUpdated string
}

// Options controls one submission.
type Options struct {
	// Optimistic applies the items to the cache before the round trip.
	Optimistic bool

	// AutoRetryConflicts resubmits conflicting items exactly once, under
	// a fresh idempotency key, with refreshed expected tokens.
	AutoRetryConflicts bool

	// OnConflict receives the conflicts that remain after any retry.
	OnConflict func([]Conflict)

	// OnPartialSuccess fires once per settled submission whenever the
	// final result has FailureCount > 0.
	OnPartialSuccess func(forecast.BatchResult)
}

// =============================================================================
// IN-FLIGHT REQUEST
// =============================================================================

// InFlight is one logical batch attempt with its cached idempotency key.
// Resubmit the same InFlight after a TransportError; never mint a new
// key for the same logical action.
type InFlight struct {
	Request forecast.BatchRequest

	// States holds the per-item lifecycle, index-aligned with the items.
	States []ItemState
}

// Prepare validates the items client-side and mints the batch key.
// No network call is made; an empty or oversized batch fails here.
func Prepare(items []forecast.BulkItem) (*InFlight, error) {
	req := forecast.BatchRequest{
		IdempotencyKey: uuid.NewString(),
		Items:          items,
	}
	if err := forecast.ValidateBatch(req); err != nil {
		return nil, err
	}
	states := make([]ItemState, len(items))
	for i := range states {
		states[i] = StatePending
	}
	return &InFlight{Request: req, States: states}, nil
}

// =============================================================================
// SUBMITTER
// =============================================================================

// Submitter submits batches and keeps the portfolio cache consistent.
type Submitter struct {
	Transport Transport

	// Cache is the shared portfolio view. Optional: a nil cache skips
	// projection and reconciliation (headless batch jobs).
	Cache *portfolio.Cache
}

func NewSubmitter(transport Transport, cache *portfolio.Cache) *Submitter {
	return &Submitter{Transport: transport, Cache: cache}
}

// SubmitBulk prepares and submits one logical batch. See SubmitPrepared
// for the transport-retry path.
func (s *Submitter) SubmitBulk(ctx context.Context, items []forecast.BulkItem, opts Options) (*forecast.BatchResult, error) {
	inflight, err := Prepare(items)
	if err != nil {
		return nil, err
	}
	return s.SubmitPrepared(ctx, inflight, opts)
}

// SubmitPrepared submits an InFlight batch. On a TransportError the
// projection is fully rolled back and the same InFlight may be passed
// again; the server deduplicates by the cached key.
func (s *Submitter) SubmitPrepared(ctx context.Context, inflight *InFlight, opts Options) (*forecast.BatchResult, error) {
	items := inflight.Request.Items

	var snap portfolio.Snapshot
	projected := false
	if opts.Optimistic && s.Cache != nil {
		var next *portfolio.View
		next, snap = portfolio.Project(s.Cache.View(), items)
		s.Cache.Replace(next)
		projected = true
		for i := range inflight.States {
			if !snap.Skipped(i) {
				inflight.States[i] = StateSpeculated
			}
		}
	}

	result, err := s.Transport.Submit(ctx, inflight.Request)
	if err != nil {
		// Unknown or refused outcome either way: all speculation must go.
		// Items that were never projected have nothing to undo and stay
		// Pending, ready for a resubmit of the same InFlight.
		if projected {
			s.Cache.Replace(portfolio.Rollback(s.Cache.View(), snap))
		}
		for i := range inflight.States {
			if inflight.States[i] == StateSpeculated {
				inflight.States[i] = StateRolledBack
			}
		}
		return nil, err
	}

	s.markOutcomes(inflight, *result)
	if projected {
		s.Cache.Replace(portfolio.Reconcile(s.Cache.View(), snap, items, *result))
	}
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(inflight.States) {
			continue
		}
		if res.Status == forecast.StatusSuccess {
			inflight.States[res.Index] = StateCommitted
		} else {
			inflight.States[res.Index] = StateRolledBack
		}
	}

	final := *result
	conflicts := collectConflicts(items, *result)

	if opts.AutoRetryConflicts && len(conflicts) > 0 {
		final, conflicts = s.retryConflicts(ctx, inflight, final, opts)
	}

	if s.Cache != nil {
		s.Cache.Invalidate()
	}
	if len(conflicts) > 0 && opts.OnConflict != nil {
		opts.OnConflict(conflicts)
	}
	if final.FailureCount > 0 && opts.OnPartialSuccess != nil {
		opts.OnPartialSuccess(final)
	}
	return &final, nil
}

// markOutcomes moves items from Speculated/Pending to their result state.
func (s *Submitter) markOutcomes(inflight *InFlight, result forecast.BatchResult) {
	for _, res := range result.Results {
		if res.Index < 0 || res.Index >= len(inflight.States) {
			continue
		}
		switch res.Status {
		case forecast.StatusSuccess:
			inflight.States[res.Index] = StateApplied
		case forecast.StatusConflict:
			inflight.States[res.Index] = StateConflicted
		case forecast.StatusError:
			inflight.States[res.Index] = StateErrored
		}
	}
}

// retryConflicts resubmits the conflicting items exactly once, with each
// item's reported current token as the new expected token. The retry is
// a new logical action: fresh key, RetriedFromKey set for audit
// correlation. Outcomes are merged back into the original result by
// original index.
//
// A transport failure during the retry rolls back only the retry's
// speculation; the original result then stands, with its conflicts
// surfaced for manual resolution.
func (s *Submitter) retryConflicts(ctx context.Context, inflight *InFlight, original forecast.BatchResult, opts Options) (forecast.BatchResult, []Conflict) {
	items := inflight.Request.Items

	var retryItems []forecast.BulkItem
	var originalIndex []int
	for _, res := range original.Results {
		if res.Status != forecast.StatusConflict || res.Index >= len(items) {
			continue
		}
		item := items[res.Index]
		item.ExpectedLastUpdated = res.CurrentLastUpdated
		retryItems = append(retryItems, item)
		originalIndex = append(originalIndex, res.Index)
		inflight.States[res.Index] = StateRetried
	}
	if len(retryItems) == 0 {
		return original, collectConflicts(items, original)
	}

	retryReq := forecast.BatchRequest{
		IdempotencyKey: uuid.NewString(),
		Items:          retryItems,
		RetriedFromKey: inflight.Request.IdempotencyKey,
	}

	var snap portfolio.Snapshot
	projected := false
	if opts.Optimistic && s.Cache != nil {
		var next *portfolio.View
		next, snap = portfolio.Project(s.Cache.View(), retryItems)
		s.Cache.Replace(next)
		projected = true
	}

	retryResult, err := s.Transport.Submit(ctx, retryReq)
	if err != nil {
		if projected {
			s.Cache.Replace(portfolio.Rollback(s.Cache.View(), snap))
		}
		for _, idx := range originalIndex {
			inflight.States[idx] = StateConflicted
		}
		return original, collectConflicts(items, original)
	}

	if projected {
		s.Cache.Replace(portfolio.Reconcile(s.Cache.View(), snap, retryItems, *retryResult))
	}

	// Merge retry outcomes back under the original indexes. Persisting
	// conflicts stay conflicts; no further retry ever happens.
	merged := original
	merged.Results = append([]forecast.ItemResult(nil), original.Results...)
	for _, res := range retryResult.Results {
		if res.Index < 0 || res.Index >= len(originalIndex) {
			continue
		}
		idx := originalIndex[res.Index]
		mergedRes := res
		mergedRes.Index = idx
		merged.Results[idx] = mergedRes
		switch res.Status {
		case forecast.StatusSuccess:
			inflight.States[idx] = StateCommitted
		case forecast.StatusError:
			inflight.States[idx] = StateErrored
		default:
			inflight.States[idx] = StateConflicted
		}
	}
	merged.RecountTotals()

	return merged, collectConflicts(items, merged)
}

func collectConflicts(items []forecast.BulkItem, result forecast.BatchResult) []Conflict {
	var out []Conflict
	for _, res := range result.Results {
		if res.Status != forecast.StatusConflict || res.Index >= len(items) {
			continue
		}
		out = append(out, Conflict{
			Item:               items[res.Index],
			CurrentLastUpdated: res.CurrentLastUpdated,
		})
	}
	return out
}
