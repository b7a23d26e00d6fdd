/*
Package portfolio provides the client-side cached view of forecast data.

PURPOSE:
  Holds the last known state of every forecast cell the client has seen,
  keyed project -> category -> month, plus derived portfolio summary
  aggregates. The view is the thing optimistic updates speculate on and
  the thing reconciliation repairs afterwards.

KEY CONCEPTS IN THIS FILE (view.go):
  - View: An immutable snapshot of the cached cells. All "mutations"
    return a new View sharing unmodified subtrees (copy-on-write), so a
    concurrent reader never observes a half-applied batch.
  - Summary: Derived totals (planned/actual/forecast/variance/utilization).
    Recomputed from cells on construction, never patched independently.
  - Cache: The single mutation entry point. Only the projector and the
    reconciler replace the view; subscribers are notified on each replace.

DESIGN PRINCIPLES:
  1. One writer: arbitrary call sites cannot mutate the view; they go
     through Cache.Replace with a view produced by this package
  2. Derived values: Summary and per-cell variance are always computed,
     so they cannot diverge from the cells underneath
  3. Structural sharing: projecting a 3-cell edit over a 10k-cell view
     clones three month maps, not the whole tree

SEE ALSO:
  - projector.go: Optimistic projection, snapshots, reconciliation
*/
package portfolio

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/warp/forecast-engine/forecast"
)

// =============================================================================
// VIEW - Immutable cached portfolio state
// =============================================================================

// View is an immutable snapshot of cached cells. Never mutate the maps;
// use withCell / withoutCell to derive a new View.
type View struct {
	// projects -> categories -> monthIndex -> cell
	projects map[string]map[string]map[int]forecast.Cell
}

// NewView builds a view from a flat cell list (e.g. a server refetch).
func NewView(cells []forecast.Cell) *View {
	v := &View{projects: make(map[string]map[string]map[int]forecast.Cell)}
	for _, cell := range cells {
		cats, ok := v.projects[cell.Key.ProjectID]
		if !ok {
			cats = make(map[string]map[int]forecast.Cell)
			v.projects[cell.Key.ProjectID] = cats
		}
		months, ok := cats[cell.Key.CategoryID]
		if !ok {
			months = make(map[int]forecast.Cell)
			cats[cell.Key.CategoryID] = months
		}
		months[cell.Key.MonthIndex] = cell
	}
	return v
}

// Cell returns the cached cell at key, if present.
func (v *View) Cell(key forecast.CellKey) (forecast.Cell, bool) {
	cats, ok := v.projects[key.ProjectID]
	if !ok {
		return forecast.Cell{}, false
	}
	months, ok := cats[key.CategoryID]
	if !ok {
		return forecast.Cell{}, false
	}
	cell, ok := months[key.MonthIndex]
	return cell, ok
}

// Len returns the number of cached cells.
func (v *View) Len() int {
	n := 0
	for _, cats := range v.projects {
		for _, months := range cats {
			n += len(months)
		}
	}
	return n
}

// Cells returns all cached cells, unordered.
func (v *View) Cells() []forecast.Cell {
	out := make([]forecast.Cell, 0, v.Len())
	for _, cats := range v.projects {
		for _, months := range cats {
			for _, cell := range months {
				out = append(out, cell)
			}
		}
	}
	return out
}

// withCell returns a new View with the cell replaced, cloning only the
// path project -> category -> months that changes.
func (v *View) withCell(cell forecast.Cell) *View {
	key := cell.Key

	newProjects := make(map[string]map[string]map[int]forecast.Cell, len(v.projects)+1)
	for p, cats := range v.projects {
		newProjects[p] = cats
	}

	oldCats := v.projects[key.ProjectID]
	newCats := make(map[string]map[int]forecast.Cell, len(oldCats)+1)
	for c, months := range oldCats {
		newCats[c] = months
	}

	oldMonths := oldCats[key.CategoryID]
	newMonths := make(map[int]forecast.Cell, len(oldMonths)+1)
	for m, cl := range oldMonths {
		newMonths[m] = cl
	}
	newMonths[key.MonthIndex] = cell

	newCats[key.CategoryID] = newMonths
	newProjects[key.ProjectID] = newCats
	return &View{projects: newProjects}
}

// =============================================================================
// SUMMARY - Derived portfolio aggregates
// =============================================================================

// Summary holds portfolio-level totals. Always derived from the cells;
// never patched independently.
type Summary struct {
	TotalPlanned  decimal.Decimal
	TotalActual   decimal.Decimal
	TotalForecast decimal.Decimal

	// TotalVariance is TotalActual - TotalPlanned.
	TotalVariance decimal.Decimal

	// Utilization is TotalActual / TotalPlanned, zero when nothing is
	// planned.
	Utilization decimal.Decimal

	CellCount int
}

// Summary recomputes the aggregates from the current cells.
func (v *View) Summary() Summary {
	s := Summary{
		TotalPlanned:  decimal.Zero,
		TotalActual:   decimal.Zero,
		TotalForecast: decimal.Zero,
	}
	for _, cats := range v.projects {
		for _, months := range cats {
			for _, cell := range months {
				s.TotalPlanned = s.TotalPlanned.Add(cell.Planned)
				s.TotalActual = s.TotalActual.Add(cell.Actual)
				s.TotalForecast = s.TotalForecast.Add(cell.Forecast)
				s.CellCount++
			}
		}
	}
	s.TotalVariance = s.TotalActual.Sub(s.TotalPlanned)
	if !s.TotalPlanned.IsZero() {
		s.Utilization = s.TotalActual.Div(s.TotalPlanned)
	} else {
		s.Utilization = decimal.Zero
	}
	return s
}

// =============================================================================
// CACHE - Single mutation entry point with subscribers
// =============================================================================

// Subscriber receives the new view after each replace.
type Subscriber func(*View)

// Cache owns the current view. Only the projector and reconciler (via
// the submission client) should call Replace; everyone else reads and
// subscribes.
type Cache struct {
	mu          sync.RWMutex
	view        *View
	nextID      int
	subscribers map[int]Subscriber
	invalidate  map[int]func()
}

func NewCache(view *View) *Cache {
	if view == nil {
		view = NewView(nil)
	}
	return &Cache{
		view:        view,
		subscribers: make(map[int]Subscriber),
		invalidate:  make(map[int]func()),
	}
}

// View returns the current view. Safe to hold: views are immutable.
func (c *Cache) View() *View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

// Replace swaps in a new view and notifies every subscriber with it.
func (c *Cache) Replace(view *View) {
	c.mu.Lock()
	c.view = view
	subs := make([]Subscriber, 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
}

// Subscribe registers a subscriber; the returned func cancels it.
func (c *Cache) Subscribe(fn Subscriber) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// OnInvalidate registers a hook fired after every settled batch, so
// dependent views can refetch authoritative aggregates.
func (c *Cache) OnInvalidate(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.invalidate[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.invalidate, id)
	}
}

// Invalidate fires the invalidation hooks.
func (c *Cache) Invalidate() {
	c.mu.RLock()
	hooks := make([]func(), 0, len(c.invalidate))
	for _, fn := range c.invalidate {
		hooks = append(hooks, fn)
	}
	c.mu.RUnlock()

	for _, fn := range hooks {
		fn()
	}
}
