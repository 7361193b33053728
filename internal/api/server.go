// Package api exposes the HTTP control surface: incident reads and updates,
// remediation control, health and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/maristack/pelorus/internal/api/handlers"
	"github.com/maristack/pelorus/internal/api/middleware"
	"github.com/maristack/pelorus/internal/clients/incidentstore"
	"github.com/maristack/pelorus/internal/config"
	"github.com/maristack/pelorus/internal/incident"
	"github.com/maristack/pelorus/internal/monitoring"
	"github.com/maristack/pelorus/internal/remediate"
	"github.com/maristack/pelorus/pkg/cache"
	"github.com/maristack/pelorus/pkg/logger"
)

// Deps collects everything the HTTP layer serves or probes.
type Deps struct {
	Repo    *incidentstore.Repository
	Writer  *incident.Writer
	Search  *incident.Search
	Stream  *incident.Stream
	Engine  *remediate.Engine
	Cache   cache.Valkey
	Health  map[string]handlers.HealthChecker // critical dependencies
	Checks  map[string]handlers.HealthChecker // optional dependencies
}

type Server struct {
	config     *config.Config
	logger     logger.Logger
	router     *gin.Engine
	httpServer *http.Server
}

func NewServer(cfg *config.Config, log logger.Logger, deps Deps) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	server := &Server{
		config: cfg,
		logger: log,
		router: router,
	}

	server.setupMiddleware(deps)
	server.setupRoutes(deps)
	return server
}

func (s *Server) setupMiddleware(deps Deps) {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.CORSMiddleware(s.config.CORS))
	s.router.Use(middleware.RequestLogger(s.logger))
	s.router.Use(monitoring.HTTPMetricsMiddleware())
	s.router.Use(middleware.RateLimiter(deps.Cache))

	// OpenAPI spec plus Swagger UI at /swagger/index.html.
	s.router.StaticFile("/api/openapi.yaml", "api/openapi.yaml")
	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/api/openapi.yaml")))

	monitoring.SetupPrometheusMetrics(s.router)
}

func (s *Server) setupRoutes(deps Deps) {
	healthHandler := handlers.NewHealthHandler(deps.Health, deps.Checks, s.logger)
	incidentsHandler := handlers.NewIncidentsHandler(deps.Repo, deps.Writer, deps.Search, s.logger)
	remediationHandler := handlers.NewRemediationHandler(deps.Engine, s.logger)
	streamHandler := handlers.NewStreamHandler(deps.Stream, s.logger)

	s.router.GET("/health", healthHandler.HealthCheck)
	s.router.GET("/ready", healthHandler.ReadinessCheck)

	s.router.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "/swagger/index.html")
	})

	v1 := s.router.Group("/api/v1")
	v1.GET("/health", healthHandler.HealthCheck)
	v1.GET("/ready", healthHandler.ReadinessCheck)

	v1.GET("/incidents", incidentsHandler.List)
	v1.GET("/incidents/search", incidentsHandler.Search)
	v1.POST("/incidents/test", incidentsHandler.SeedTest)
	v1.GET("/incidents/:id", incidentsHandler.Get)
	v1.PUT("/incidents/:id", incidentsHandler.Update)
	v1.GET("/summary", incidentsHandler.Summary)

	v1.GET("/actions", remediationHandler.Actions)
	v1.POST("/execute/:action_id", remediationHandler.Execute)
	v1.GET("/executions/:id", remediationHandler.Execution)
	v1.POST("/rollback/:id", remediationHandler.Rollback)
	v1.GET("/approvals", remediationHandler.Approvals)
	v1.POST("/approve/:request_id", remediationHandler.Approve)

	s.router.GET("/ws/incidents", streamHandler.Incidents)
}

// Router exposes the engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "port", s.config.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("HTTP server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
