package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/config"
	"github.com/PortNumber53/saas-starter/backend/internal/handlers"
	"github.com/PortNumber53/saas-starter/backend/internal/logging"
	"github.com/PortNumber53/saas-starter/backend/internal/middleware"
	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/worker"
)

const webhookTimeout = 20 * time.Second

// UserStore is the user storage used by session, OAuth and admin routes.
type UserStore interface {
	handlers.UserLister
	handlers.OAuthStore
	middleware.SessionStore
}

// MetricsExporter records HTTP observations and serves the scrape endpoint.
type MetricsExporter interface {
	middleware.HTTPRecorder
	Handler() http.Handler
}

// Dependencies are the clients the routes are built from. Metrics, Jobs and
// Worker are optional.
type Dependencies struct {
	Logger   zerolog.Logger
	DB       handlers.Pinger
	Users    UserStore
	Billing  handlers.BillingStore
	Provider handlers.CheckoutProvider
	Webhook  http.Handler
	Metrics  MetricsExporter
	Jobs     handlers.JobQueue
	Worker   *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer  *http.Server
	worker      *worker.Worker
	rateLimiter *middleware.RateLimiter
	logger      zerolog.Logger
	ctx         context.Context
	stop        context.CancelFunc
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Dependencies) *Server {
	logger := deps.Logger
	limiter := middleware.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateBurst, 3*time.Minute)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(logging.AccessLog(logger))
	router.Use(chimw.Recoverer)
	if deps.Metrics != nil {
		router.Use(middleware.NewRequestTracker(deps.Metrics).Middleware())
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Get("/healthz", handlers.Health(deps.DB))

	router.With(limiter.Middleware, chimw.Timeout(webhookTimeout)).
		Method(http.MethodPost, "/api/webhooks/stripe", deps.Webhook)

	billing := handlers.NewBillingHandler(deps.Billing, deps.Provider, cfg.AppURL, logger)
	router.Get("/api/products", billing.Products)
	router.Post("/api/auth/google", handlers.GoogleAuth(deps.Users, cfg.InternalAPIToken, logger))

	router.Group(func(r chi.Router) {
		r.Use(middleware.Session(cfg.InternalAPIToken, deps.Users, logger))

		r.Get("/api/me", handlers.Me)
		r.Get("/api/billing/subscription", billing.Subscription)
		r.Get("/api/billing/payments", billing.Payments)
		r.Post("/api/billing/checkout", billing.Checkout)
		r.Post("/api/billing/portal", billing.Portal)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(models.RoleAdmin))
			r.Get("/users", handlers.Users(deps.Users, logger))
			if deps.Jobs != nil {
				handlers.NewJobHandler(deps.Jobs, logger).RegisterRoutes(r)
			}
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Server{httpServer: srv, worker: deps.Worker, rateLimiter: limiter, logger: logger, ctx: ctx, stop: stop}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start() error {
	go s.rateLimiter.Cleanup(s.ctx)
	if s.worker != nil {
		s.logger.Info().Msg("starting job worker")
		s.worker.Start(s.ctx)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		s.logger.Info().Msg("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			s.logger.Error().Err(werr).Msg("worker shutdown error")
		}
	}
	s.stop()
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
