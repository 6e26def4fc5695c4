package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/config"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ingest"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/ratelimit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/audit"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/notify"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/retry"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/service/suppression"
	"github.com/NFTopia-Foundation/nftopia-notifications-service/internal/store"
)

// Deps are the components the API serves. DB is optional and only used by
// the health check when suppressions live in Postgres. Without Audit the
// audit endpoint returns 404.
type Deps struct {
	Store        store.Store
	DB           *sql.DB
	Limiter      *ratelimit.Limiter
	Abuse        *ratelimit.AbuseTracker
	Suppressions *suppression.Service
	Audit        *audit.Log
	Retries      *retry.Scheduler
	Sender       *notify.Sender
	Webhooks     *ingest.Handler
}

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	h := NewHandlers(deps)
	router := SetupRoutes(h, cfg.CORSOrigins)
	return &Server{
		config:  cfg,
		handler: router,
		router:  router,
		server: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadTimeout:       time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}
