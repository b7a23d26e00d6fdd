/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for grid frontends
  5. principal:  Bearer-token subject extraction (validation external)

ROUTE GROUPS:
  /forecast/bulk-upsert        Batch processing
  /forecast/portfolio/*        Derived aggregates
  /forecast/cells/*            Raw cell reads
  /forecast/audits/*           Audit trail
  /forecast/scenarios/*        Demo data

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, withPrincipal(req))
		})
	})

	r.Route("/forecast", func(r chi.Router) {
		r.Post("/bulk-upsert", h.BulkUpsert)
		r.Get("/portfolio/{projectId}", h.GetPortfolio)
		r.Get("/cells/{projectId}", h.ListCells)
		r.Get("/audits/{key}", h.GetAudits)
		r.Post("/scenarios/load", h.LoadScenario)
	})

	return r
}
