package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/runehost/runehost/internal/api/middleware"
	"github.com/runehost/runehost/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant", "X-Session-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Agents & delegation
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.RegisterAgent)
			r.Delete("/{agentID}", h.UnregisterAgent)
			r.Post("/delegate", h.Delegate)
			r.Post("/strategy", h.SetStrategy)
			r.Get("/metrics", h.AgentMetrics)
		})

		// Workflows
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/kinds", h.DiscoverWorkflows)
			r.Post("/", h.CreateWorkflow)
			r.Route("/{workflowName}", func(r chi.Router) {
				r.Get("/", h.WorkflowInfo)
				r.Post("/execute", h.ExecuteWorkflow)
			})
		})

		// Scoped state
		r.Route("/state/{scope}", func(r chi.Router) {
			r.Get("/", h.ListStateKeys)
			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", h.GetState)
				r.Put("/", h.SetState)
				r.Delete("/", h.DeleteState)
			})
		})

		// Sessions & artifacts
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Post("/suspend", h.SessionTransition("suspend"))
				r.Post("/resume", h.SessionTransition("resume"))
				r.Post("/complete", h.SessionTransition("complete"))
				r.Post("/fail", h.SessionTransition("fail"))

				r.Route("/artifacts", func(r chi.Router) {
					r.Get("/", h.ListArtifacts)
					r.Post("/", h.StoreArtifact)
					r.Route("/{hash}/{seq}", func(r chi.Router) {
						r.Get("/", h.GetArtifact)
						r.Delete("/", h.DeleteArtifact)
						r.Post("/grant", h.GrantArtifactPermission)
						r.Post("/revoke", h.RevokeArtifactPermission)
						r.Get("/acl", h.GetArtifactACL)
						r.Get("/audit", h.GetArtifactAuditLog)
					})
				})
			})
		})

		// Events & correlation
		r.Route("/events", func(r chi.Router) {
			r.Post("/", h.PublishEvent)
			r.Post("/query", h.QueryEvents)
			r.Post("/links", h.AddEventLink)
			r.Get("/metrics", h.EventMetrics)
			r.Get("/replay", h.ReplayEvents)
		})

		// Backups
		r.Route("/backups", func(r chi.Router) {
			r.Get("/", h.ListBackups)
			r.Post("/", h.CreateBackup)
			r.Post("/retention", h.ApplyRetention)
			r.Route("/{backupID}", func(r chi.Router) {
				r.Post("/restore", h.RestoreBackup)
				r.Post("/verify", h.VerifyBackup)
				r.Delete("/", h.DeleteBackup)
			})
		})

		// Signal operations
		r.Route("/signals", func(r chi.Router) {
			r.Get("/counters", h.SignalCounters)
			r.Post("/reload", h.TriggerReload)
			r.Post("/dump", h.TriggerDump)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "runehost",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "runehost",
		})
	}
}
