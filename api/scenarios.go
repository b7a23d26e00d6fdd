/*
scenarios.go - Demo data seeding

PURPOSE:
  Seeds the cell store with a small portfolio so the grid frontend and
  manual testing have something to edit. Seeding goes through PutCell
  with fresh tokens; it does not bypass the store contracts.

SCENARIOS:
  small-portfolio: 2 projects x 3 categories x 6 months, planned set,
                   actuals filled for the first two months
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/forecast-engine/forecast"
)

// LoadScenarioRequest names the scenario to seed.
type LoadScenarioRequest struct {
	Scenario string `json:"scenario"`
}

// LoadScenario seeds demo cells.
// POST /forecast/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Scenario != "" && req.Scenario != "small-portfolio" {
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.Scenario, nil)
		return
	}

	projects := []string{"proj-alpha", "proj-beta"}
	categories := []string{"labor", "materials", "travel"}
	seeded := 0
	for _, projectID := range projects {
		for _, categoryID := range categories {
			for month := 0; month < 6; month++ {
				cell := forecast.Cell{
					Key: forecast.CellKey{
						ProjectID:  projectID,
						CategoryID: categoryID,
						MonthIndex: month,
					},
					Planned:     decimal.NewFromInt(int64(10000 * (month + 1))),
					Forecast:    decimal.NewFromInt(int64(10000 * (month + 1))),
					LastUpdated: h.Evaluator.Clock.NextToken(),
				}
				if month < 2 {
					cell.Actual = decimal.NewFromInt(int64(9500 * (month + 1)))
				}
				if err := h.Evaluator.Cells.PutCell(r.Context(), cell); err != nil {
					writeError(w, http.StatusInternalServerError, "Failed to seed cell", err)
					return
				}
				seeded++
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scenario":    "small-portfolio",
		"cellsSeeded": seeded,
	})
}
