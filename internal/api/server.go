// Package api serves intake sessions, field metadata and prediction
// history over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/metrics"
	"github.com/mediguard-intake/internal/registry"
	"github.com/mediguard-intake/internal/service"
)

// Dependencies holds everything the server routes need
type Dependencies struct {
	Config   *domain.Config
	Service  *service.PredictionService
	Sessions *SessionStore
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	cfg      *domain.Config
	svc      *service.PredictionService
	sessions *SessionStore
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(deps Dependencies) *Server {
	cfg := deps.Config
	if deps.Registry == nil {
		deps.Registry = registry.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(securityHeaders())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(deps.Logger))
	router.Use(corsMiddleware(cfg.CORS))

	s := &Server{
		cfg:      cfg,
		svc:      deps.Service,
		sessions: deps.Sessions,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		router:   router,
	}
	s.setupRoutes()
	return s
}

// Router exposes the handler for tests and embedding
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.sessions.Purge()
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/fields", s.handleListFields)
		v1.POST("/fields/validate", s.handleValidateField)

		v1.POST("/sessions", s.handleCreateSession)
		sessions := v1.Group("/sessions/:id", s.loadSession)
		{
			sessions.GET("", s.handleGetSession)
			sessions.DELETE("", s.handleDeleteSession)
			sessions.PUT("/manual/:key", s.handleSetManualField)
			sessions.POST("/manual/submit", s.handleSubmitManual)
			sessions.POST("/upload/:kind", s.handleUpload)
			sessions.PUT("/gapfill/:label", s.handleSetMissingField)
			sessions.POST("/gapfill/complete", s.handleCompleteGapFill)
			sessions.POST("/gapfill/cancel", s.handleCancelGapFill)
			sessions.POST("/retry", s.handleRetry)
			sessions.GET("/events", s.handleEvents)
		}

		v1.GET("/history", s.handleListHistory)
		v1.GET("/history/stats", s.handleHistoryStats)
		v1.GET("/history/verify", s.handleVerifyHistory)
		v1.GET("/history/export", s.handleExportHistory)
	}
}
