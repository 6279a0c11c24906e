package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samims/hakhel/internal/config"
	"github.com/samims/hakhel/internal/handler"
	customMiddleware "github.com/samims/hakhel/internal/middleware"
)

// Handlers groups everything the API router mounts.
type Handlers struct {
	Preference *handler.PreferenceHandler
	Intent     *handler.IntentHandler
	Audit      *handler.AuditHandler
	Webhook    *handler.WebhookHandler
	Health     *handler.HealthHandler
}

func NewRouter(h Handlers, authCfg config.AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(customMiddleware.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   authCfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(customMiddleware.AuthMiddleware(authCfg.JWTSecret))

		r.Route("/system/preference", h.Preference.Routes)
		r.Route("/communities/{cid}", func(r chi.Router) {
			r.Route("/preference", h.Preference.Routes)
			r.Route("/subjects/{sid}/preference", h.Preference.Routes)

			r.Get("/intents", h.Intent.List)
			r.Post("/intents/{id}/approve", h.Intent.Approve)
			r.Post("/intents/{id}/reject", h.Intent.Reject)

			r.Get("/audit/stats", h.Audit.Stats)
			r.Get("/events", h.Audit.Events)
		})
	})

	r.Post("/webhooks/twilio/status", h.Webhook.TwilioStatus)

	// Health & Readiness Routes
	r.Get("/healthz", h.Health.Liveness)
	r.Get("/readyz", h.Health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
