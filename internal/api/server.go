package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/zapcast/internal/config"
	"github.com/foxzi/zapcast/internal/ipfilter"
	"github.com/foxzi/zapcast/internal/metrics"
	"github.com/foxzi/zapcast/internal/models"
)

// CampaignService is the campaign control surface
type CampaignService interface {
	Create(ctx context.Context, tenantID string, c *models.Campaign) error
	Get(ctx context.Context, tenantID, id string) (*models.Campaign, error)
	List(ctx context.Context, filter models.CampaignListFilter) ([]*models.Campaign, int, error)
	Start(ctx context.Context, tenantID, id string) (*models.Campaign, error)
	Pause(ctx context.Context, tenantID, id string) (*models.Campaign, error)
	Resume(ctx context.Context, tenantID, id string) (*models.Campaign, error)
	Cancel(ctx context.Context, tenantID, id string) (*models.Campaign, error)
	Stats(ctx context.Context, tenantID, id string) (*models.CampaignStats, error)
	Messages(ctx context.Context, tenantID string, filter models.MessageListFilter) ([]*models.CampaignMessage, int, error)
}

// ContactStore manages contacts and their consent
type ContactStore interface {
	Upsert(ctx context.Context, c *models.Contact) error
	GetByID(ctx context.Context, tenantID, id string) (*models.Contact, error)
	List(ctx context.Context, filter models.ContactListFilter) ([]*models.Contact, error)
	SetOptIn(ctx context.Context, tenantID, id string, status models.OptInStatus, at time.Time) (bool, error)
}

// ConnectionStore manages provider connections
type ConnectionStore interface {
	Create(ctx context.Context, c *models.ApiConnection) error
	List(ctx context.Context, tenantID string) ([]*models.ApiConnection, error)
}

// QueueStats reports the job queue state for /health
type QueueStats interface {
	QueueStats(ctx context.Context) (*metrics.QueueStats, error)
}

// Deps groups the services the API talks to
type Deps struct {
	Campaigns   CampaignService
	Contacts    ContactStore
	Connections ConnectionStore
	Queue       QueueStats
	RateLimits  RateLimits   // nil when rate limiting is disabled
	Webhooks    http.Handler // mounted at /webhooks, optional
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	validate   *validator.Validate
	filter     *ipfilter.Filter
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, version string, logger *slog.Logger) (*Server, error) {
	filter, err := ipfilter.Parse(cfg.AllowedIPs, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		validate:  newValidator(),
		filter:    filter,
		logger:    logger.With("component", "api"),
		version:   version,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Provider callbacks authenticate per connection
	if s.deps.Webhooks != nil {
		s.router.Mount("/webhooks", s.deps.Webhooks)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.filter.Enabled() {
			r.Use(s.filter.Middleware)
		}
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Delete("/{id}", s.handleCancelCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
			r.Post("/{id}/pause", s.handlePauseCampaign)
			r.Post("/{id}/resume", s.handleResumeCampaign)
			r.Get("/{id}/stats", s.handleCampaignStats)
			r.Get("/{id}/messages", s.handleCampaignMessages)
		})

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", s.handleUpsertContact)
			r.Get("/", s.handleListContacts)
			r.Post("/{id}/opt-in", s.handleOptIn)
			r.Post("/{id}/opt-out", s.handleOptOut)
		})

		r.Post("/connections", s.handleCreateConnection)
		r.Get("/connections", s.handleListConnections)

		r.Get("/ratelimit", s.handleRateLimit)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
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
