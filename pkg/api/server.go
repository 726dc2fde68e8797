package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/0xmhha/market-indexer/internal/constants"
	apimiddleware "github.com/0xmhha/market-indexer/pkg/api/middleware"
	"github.com/0xmhha/market-indexer/pkg/api/websocket"
	"github.com/0xmhha/market-indexer/pkg/events"
	"github.com/0xmhha/market-indexer/pkg/storage"
)

// ActivityFeed is the read side of the reconciled event feed
type ActivityFeed interface {
	Snapshot() events.Snapshot
	ResourceName(resourceID string) (string, bool)
}

// ResourceReader reads persisted marketplace state
type ResourceReader interface {
	GetResource(ctx context.Context, resourceID string) (*storage.Resource, error)
	GetAccess(ctx context.Context, resourceID, buyerWallet string) (*storage.Access, error)
}

// ServerOptions contains the optional collaborators of the API server.
// Routes whose collaborator is missing are not registered.
type ServerOptions struct {
	Feed      ActivityFeed
	Resources ResourceReader
	Webhook   http.Handler
	WebSocket *websocket.Server
	Health    *HealthChecker
	Gatherer  prometheus.Gatherer
}

// Server represents the API server
type Server struct {
	config   *Config
	logger   *zap.Logger
	opts     ServerOptions
	router   *chi.Mux
	server   *http.Server
	wsServer *websocket.Server
}

// ActivityResponse is the body of GET /api/v1/activity
type ActivityResponse struct {
	Status events.FeedStatus      `json:"status"`
	Error  string                 `json:"error,omitempty"`
	Source string                 `json:"source,omitempty"`
	Count  int                    `json:"count"`
	Events []events.ActivityEvent `json:"events"`
}

// NewServer creates a new API server
func NewServer(config *Config, logger *zap.Logger, opts *ServerOptions) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		logger: logger,
		router: chi.NewRouter(),
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Health == nil {
		s.opts.Health = NewHealthChecker("")
	}
	if s.opts.Gatherer == nil {
		s.opts.Gatherer = prometheus.DefaultGatherer
	}
	s.wsServer = s.opts.WebSocket
	if s.wsServer == nil {
		s.wsServer = websocket.NewServer(logger.Named("websocket"))
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Address(),
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	// must be first
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.LoggerWithLevel(s.logger, zapcore.DebugLevel))
	s.router.Use(middleware.Recoverer)

	if s.config.EnableRateLimit {
		s.router.Use(apimiddleware.RateLimit(
			s.config.RateLimitPerSecond,
			s.config.RateLimitBurst,
			s.logger,
		))
		s.logger.Info("rate limiting enabled",
			zap.Float64("rate_per_second", s.config.RateLimitPerSecond),
			zap.Int("burst", s.config.RateLimitBurst),
		)
	}

	if s.config.EnableCORS {
		s.router.Use(s.cors)
	}
}

// cors adds CORS headers for allowed origins and answers preflight requests
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		for _, allowed := range s.config.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Upgrade, Connection")
				w.Header().Set("Access-Control-Max-Age", "300")
				break
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.opts.Health.DetailedHealthHandler())
	s.router.Get("/health/live", s.opts.Health.LivenessHandler())
	s.router.Get("/health/ready", s.opts.Health.ReadinessHandler())
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	s.router.Get(s.config.WebSocketPath, s.wsServer.ServeHTTP)

	s.router.Route("/api/v1", func(r chi.Router) {
		if s.opts.Feed != nil {
			r.Get("/activity", s.handleActivity)
		}
		if s.opts.Resources != nil {
			r.Get("/resources/{id}", s.handleResource)
			r.Get("/resources/{id}/access/{wallet}", s.handleAccess)
		}
	})

	if s.opts.Webhook != nil {
		s.router.Post(s.config.WebhookPath, s.opts.Webhook.ServeHTTP)
		s.logger.Info("webhook ingestion enabled", zap.String("path", s.config.WebhookPath))
	}
}

// handleActivity serves the newest-first activity feed
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := constants.DefaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < constants.MinPaginationLimit {
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = n
	}
	if limit > constants.MaxActivityLimit {
		limit = constants.MaxActivityLimit
	}

	snap := s.opts.Feed.Snapshot()
	activity := events.Project(snap.Events, s.opts.Feed.ResourceName, &snap.Clock, limit)

	resp := ActivityResponse{
		Status: snap.Status,
		Source: snap.Source,
		Count:  len(activity),
		Events: activity,
	}
	if snap.Status == events.StatusFailed && snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleResource serves one persisted resource
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Resources.GetResource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAccess serves a buyer's current access grant for a resource
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	access, err := s.opts.Resources.GetAccess(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "wallet"))
	if err != nil {
		s.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (s *Server) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrInvalidData):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("storage read failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ActivitySink returns a feed sink that pushes new events to WebSocket clients
func (s *Server) ActivitySink(projector ActivityProjector) *ActivitySink {
	return NewActivitySink(projector, s.wsServer)
}

// WebSocket returns the activity WebSocket server
func (s *Server) WebSocket() *websocket.Server {
	return s.wsServer
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("starting API server",
		zap.String("address", s.config.Address()),
		zap.Bool("webhook", s.opts.Webhook != nil),
		zap.String("websocket", s.config.WebSocketPath),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	// hijacked WebSocket connections are not closed by Shutdown
	s.wsServer.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped gracefully")
	return nil
}
