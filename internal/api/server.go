// Package api exposes the decision engine and the alert back office over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/alerts"
	"github.com/opensource-finance/kestrel/internal/configstore"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Dependencies are the services the handlers call into.
// Repo, Cache and Bus are only pinged by /health and may be nil.
type Dependencies struct {
	Decisions *decision.Service
	Alerts    *alerts.Service
	Configs   *configstore.Store

	Repo  domain.Repository
	Cache domain.Cache
	Bus   domain.EventBus
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	auth    *Authenticator
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, authCfg domain.AuthConfig, deps Dependencies, version string) *Server {
	handler := NewHandler(deps, version)
	auth := NewAuthenticator(authCfg)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Ops endpoints (no analyst required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/evaluate", handler.Evaluate)

		r.Route("/decisions/{txId}", func(r chi.Router) {
			r.Get("/", handler.GetDecision)
			r.Post("/replay", handler.ReplayDecision)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", handler.ListAlerts)
			r.Post("/", handler.OpenAlert)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handler.GetAlert)
				r.Post("/transition", handler.TransitionAlert)
				r.Put("/notes", handler.UpdateAlertNotes)
				r.Put("/severity", handler.ChangeAlertSeverity)
				r.Get("/audit", handler.AlertAudit)
			})
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/", handler.GetConfig)
			r.Put("/", handler.UpdateConfig)
			r.Get("/versions/{version}", handler.GetConfigVersion)
			r.Post("/reload", handler.ReloadConfig)
		})

		r.Post("/banlist", handler.Ban)
	})

	return &Server{
		router:  router,
		handler: handler,
		auth:    auth,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Authenticator returns the analyst authenticator.
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}
