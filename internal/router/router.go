package router

import (
	"net/http"

	"carelink-sync-api/internal/handler"
	"carelink-sync-api/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Config holds the configuration for creating a router.
type Config struct {
	HealthHandler   *handler.HealthHandler
	SyncHandler     *handler.SyncHandler
	ConflictHandler *handler.ConflictHandler
	DeviceHandler   *handler.DeviceHandler
	AuthMiddleware  func(http.Handler) http.Handler
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-API-Key", "X-User-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// PUBLIC routes (no auth required)
	if cfg.HealthHandler != nil {
		r.Get("/api/status", cfg.HealthHandler.Status)
	}

	// AUTHENTICATED routes (use Group to apply auth middleware only to these)
	r.Group(func(r chi.Router) {
		// Apply auth middleware only to this group
		if cfg.AuthMiddleware != nil {
			r.Use(cfg.AuthMiddleware)
		}

		// API v1 routes
		r.Route("/api/v1", func(r chi.Router) {
			// Health check endpoints
			if cfg.HealthHandler != nil {
				r.Get("/health", cfg.HealthHandler.Health)
				r.Get("/ready", cfg.HealthHandler.Ready)
			}

			// Sync endpoints
			r.Route("/sync", func(r chi.Router) {
				if cfg.SyncHandler != nil {
					r.Post("/queue", cfg.SyncHandler.Enqueue)
				}

				r.Route("/devices/{device_id}", func(r chi.Router) {
					if cfg.SyncHandler != nil {
						r.Post("/run", cfg.SyncHandler.Run)
						r.Post("/batch", cfg.SyncHandler.Batch)
						r.Get("/stats", cfg.SyncHandler.Statistics)
						r.Get("/changes/{entity_type}", cfg.SyncHandler.ChangedEntities)
						r.Get("/watermarks/{entity_type}", cfg.SyncHandler.Watermark)
					}
					if cfg.ConflictHandler != nil {
						r.Get("/conflicts", cfg.ConflictHandler.List)
					}
					if cfg.DeviceHandler != nil {
						r.Delete("/", cfg.DeviceHandler.Deregister)
					}
				})

				if cfg.ConflictHandler != nil {
					r.Post("/conflicts/{conflict_id}/resolve", cfg.ConflictHandler.Resolve)
				}
			})
		})
	})

	return r
}
