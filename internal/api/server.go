package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/cadence/internal/automation"
	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/contacts"
	"github.com/foxzi/cadence/internal/events"
	"github.com/foxzi/cadence/internal/ipfilter"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/payment"
	"github.com/foxzi/cadence/internal/schedule"
)

// Deps are the components the API operates on. Payments and Reconciler are
// nil when no gateway is configured; the payment routes then answer 503.
type Deps struct {
	Store         *schedule.Store
	Engine        *automation.Engine
	Contacts      *contacts.Repository
	Events        events.Sink
	Payments      *payment.Service
	Reconciler    *payment.Reconciler
	WebhookSecret string
	Version       string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time

	// sha256 digests of keys that passed bcrypt
	verified sync.Map
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = deps.Engine
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		filter:    ipfilter.New(cfg.AllowedIPs, logger).WithTrustedProxies(cfg.TrustedProxies),
		logger:    logger,
		startTime: time.Now(),
		now:       time.Now,
	}

	if s.filter.Enabled() {
		logger.Info("API IP filtering enabled", "allowed_networks", s.filter.Count())
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.config.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.config.RequestTimeout))
		}

		// The gateway authenticates with its signature, not an API key,
		// and does not call from an allow-listed network.
		r.Post("/payments/webhook", s.handlePaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.filter.HTTPMiddleware)
			r.Use(s.authMiddleware)

			r.Post("/campaigns", s.handleCreateMessage(schedule.KindCampaign))
			r.Post("/campaigns/{id}/send", s.handleSendNow(schedule.KindCampaign))
			r.Post("/campaigns/{id}/schedule", s.handleSchedule(schedule.KindCampaign))

			r.Post("/reminders", s.handleCreateMessage(schedule.KindReminder))
			r.Post("/reminders/{id}/send", s.handleSendNow(schedule.KindReminder))
			r.Post("/reminders/{id}/schedule", s.handleSchedule(schedule.KindReminder))

			r.Get("/schedulables", s.handleListSchedulables)
			r.Get("/schedulables/{id}", s.handleGetSchedulable)
			r.Post("/schedulables/{id}/cancel", s.handleCancel)
			r.Post("/schedulables/{id}/retry", s.handleRetry)
			r.Get("/schedulables/{id}/outcomes", s.handleOutcomes)

			r.Get("/rules", s.handleListRules)
			r.Post("/rules", s.handleCreateRule)
			r.Get("/rules/{id}", s.handleGetRule)
			r.Post("/rules/{id}/toggle", s.handleToggleRule)
			r.Delete("/rules/{id}", s.handleDeleteRule)

			r.Post("/events", s.handlePublishEvent)

			r.Post("/contacts", s.handleCreateContact)
			r.Get("/contacts/{id}", s.handleGetContact)

			r.Post("/checkout", s.handleCheckout)
			r.Get("/payments/{sessionId}", s.handlePaymentStatus)
			r.Post("/payments/{sessionId}/reconcile", s.handleReconcile)
		})
	})
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
