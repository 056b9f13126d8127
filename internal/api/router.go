package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// Device command and read endpoints
			r.Route("/devices/{id}", func(r chi.Router) {
				r.Put("/ingredients/settings", s.handleRefill)
				r.Get("/ingredients", s.handleCheckInventory)
				r.Get("/ingredients/local", s.handleLocalInventory)
				r.Post("/manufacturing/jobs", s.handleCreateBlend)
				r.Post("/connect", s.handleConnect)
				r.Get("/status", s.handleDeviceStatus)
				r.Get("/stats", s.handleDeviceStats)
			})

			// WebSocket (auth via token query parameter, validated in handler)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
