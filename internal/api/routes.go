package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the API route tree.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/sync", func(r chi.Router) {
		r.Post("/validate", h.HandleValidate)
		r.Get("/rate-limit", h.HandleRateLimit)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.HandleStartJob)
			r.Get("/", h.HandleListJobs)
			r.Get("/{id}", h.HandleGetJob)
			r.Get("/{id}/events", h.HandleJobEvents)
			r.Get("/{id}/failed.csv", h.HandleFailedCSV)
			r.Post("/{id}/cancel", h.HandleCancelJob)
		})
	})

	return r
}

// accountID resolves the caller's account. The real authentication layer
// sits in front of this service and injects X-Account-ID.
func accountID(r *http.Request) string {
	if id := r.Header.Get("X-Account-ID"); id != "" {
		return id
	}
	return "default"
}
