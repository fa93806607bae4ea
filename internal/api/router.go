package api

import (
	"encoding/json"
	"net/http"

	"github.com/codeloom/codeloom/internal/api/handlers"
	"github.com/codeloom/codeloom/internal/api/middleware"
	"github.com/codeloom/codeloom/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Tasks
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.SubmitTask)
			r.Route("/{taskId}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Delete("/", h.CancelTask)
			})
		})

		// Project lifecycle
		r.Route("/project", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Post("/idea", h.SubmitIdea)
			r.Post("/plan", h.FinalizePlan)
			r.Post("/build", h.StartBuild)
			r.Delete("/build", h.CancelBuild)
			r.Post("/refactor", h.Refactor)
			r.Post("/retry", h.RetryFile)
			r.Post("/reset", h.ResetProject)
		})

		// Providers & health
		r.Route("/providers", func(r chi.Router) {
			r.Get("/", h.ListProviders)
			r.Get("/health", h.ProviderHealth)
			r.Post("/route", h.PreviewRoute)
		})

		// Agents
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Put("/{role}", h.ConfigureAgent)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "codeloom",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
		})
	}
}
