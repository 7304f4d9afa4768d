/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/countries/*   Country normalization and alias management
  /api/rates/*       Versioned vendor and client rates
  /api/routing/*     Versioned routing assignments
  /api/fx/*          Versioned FX rates
  /api/traffic       Traffic record access
  /api/margins/*     Batch computation and reporting
  /api/ledger/*      Immutable ledger reads and reversals
  /api/vendors, /api/clients, /api/batches  Admin reference data

SECURITY NOTE:
  No authentication middleware; deploy behind the internal gateway.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Country normalization
		r.Route("/countries", func(r chi.Router) {
			r.Get("/", h.ListCountries)
			r.Post("/resolve", h.ResolveCountries)
			r.Post("/aliases", h.CreateAlias)
			r.Get("/pending", h.ListPendingResolutions)
			r.Post("/pending/{id}/resolve", h.ResolvePendingName)
		})

		// Versioned rates
		r.Route("/rates", func(r chi.Router) {
			r.Route("/vendor", func(r chi.Router) {
				r.Get("/", h.ListVendorRates)
				r.Post("/", h.CreateVendorRate)
				r.Get("/effective", h.EffectiveVendorRate)
				r.Post("/{id}/discontinue", h.DiscontinueVendorRate)
			})
			r.Route("/client", func(r chi.Router) {
				r.Get("/", h.ListClientRates)
				r.Post("/", h.CreateClientRate)
				r.Get("/effective", h.EffectiveClientRate)
			})
		})

		// Routing assignments
		r.Route("/routing", func(r chi.Router) {
			r.Get("/", h.ListRouting)
			r.Post("/", h.CreateRouting)
			r.Get("/effective", h.EffectiveRouting)
		})

		// FX rates
		r.Route("/fx", func(r chi.Router) {
			r.Get("/", h.ListFxRates)
			r.Post("/", h.CreateFxRate)
			r.Get("/effective", h.EffectiveFxRate)
		})

		// Traffic
		r.Route("/traffic", func(r chi.Router) {
			r.Get("/", h.ListTraffic)
			r.Post("/", h.CreateTrafficRecord)
		})

		// Margin computation and reporting
		r.Route("/margins", func(r chi.Router) {
			r.Post("/compute", h.ComputeMargins)
			r.Get("/summary", h.MarginSummary)
		})

		// Ledger
		r.Route("/ledger", func(r chi.Router) {
			r.Get("/", h.ListLedger)
			r.Get("/{id}", h.GetLedgerEntry)
			r.Post("/{id}/reverse", h.ReverseLedgerEntry)
		})

		// Reference data
		r.Route("/vendors", func(r chi.Router) {
			r.Get("/", h.ListVendors)
			r.Post("/", h.CreateVendor)
		})
		r.Route("/clients", func(r chi.Router) {
			r.Get("/", h.ListClients)
			r.Post("/", h.CreateClient)
		})
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
		})
	})

	return r
}
