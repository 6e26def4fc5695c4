package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/pkg/logger"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health.HandleHealth)
	r.Get("/health/live", h.Health.HandleLiveness)
	r.Get("/health/ready", h.Health.HandleReadiness)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auditActor("api"))
		r.Post("/notifications", h.SendNotification)

		r.Route("/quota/{category}/{subjectID}", func(r chi.Router) {
			r.Post("/", h.ConsumeQuota)
			r.Get("/", h.PeekQuota)
		})
		r.Get("/abuse/{category}/{subjectID}", h.ListAbuse)

		r.Route("/suppressions", func(r chi.Router) {
			r.Post("/", h.CreateSuppression)
			r.Get("/", h.ListSuppressions)
			r.Get("/stats", h.SuppressionStats)
			r.Get("/audit", h.SuppressionAudit)
			r.Get("/{channel}/{recipient}", h.GetSuppression)
			r.Delete("/{channel}/{recipient}", h.LiftSuppression)
		})

		r.Route("/retries/{channel}/{recipient}", func(r chi.Router) {
			r.Get("/", h.GetRetry)
			r.Delete("/", h.CancelRetry)
		})
	})

	if h.webhooks != nil {
		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/sendgrid", h.webhooks.SendGrid)
			r.Post("/ses", h.webhooks.SES)
			r.Post("/twilio/status", h.webhooks.TwilioStatus)
			r.Post("/twilio/inbound", h.webhooks.TwilioInbound)
		})
	}

	return r
}

// auditActor tags requests so registry changes they cause are attributed.
func auditActor(actor string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(audit.WithActor(r.Context(), actor)))
		})
	}
}

// requestLogger logs one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
