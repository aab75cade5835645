/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the tracker frontend

ROUTE GROUPS:
  /api/obligations/*    Obligation lifecycle, generation, reconciliation
  /api/users/*          Per-user generation sweep
  /api/rates/*          Exchange rate quotes
  /healthz              Liveness probe

SECURITY NOTE:
  No authentication middleware. The engine runs behind the tracker's own
  gateway; ownership is explicit in every request instead of ambient.

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
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Obligation routes
		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", h.ListObligations)
			r.Post("/", h.CreateObligation)
			r.Get("/{id}", h.GetObligation)
			r.Delete("/{id}", h.DeleteObligation)
			r.Post("/{id}/terminate", h.TerminateObligation)
			r.Post("/{id}/generate", h.GenerateInstances)
			r.Post("/{id}/reconcile", h.ReconcileObligation)
			r.Get("/{id}/instances", h.ListInstances)
		})

		// Per-user sweep
		r.Route("/users", func(r chi.Router) {
			r.Post("/{id}/generate", h.GenerateForUser)
		})

		// Rate routes
		r.Route("/rates", func(r chi.Router) {
			r.Put("/", h.PutRate)
			r.Get("/{date}", h.GetRate)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
