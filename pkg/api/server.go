package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"contentctl/pkg/api/middleware"
	"contentctl/pkg/auth"
	"contentctl/pkg/clients/billing"
	"contentctl/pkg/coordination"
	"contentctl/pkg/queue"
	"contentctl/pkg/quota"
	"contentctl/pkg/storage"
)

// Server encapsulates the HTTP control-plane API and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger

	jobStore    storage.JobStore
	queue       *queue.Queue
	quota       *quota.Manager
	billing     *billing.Client
	db          *gorm.DB
	coordinator coordination.Coordinator
	election    coordination.Election
	validator   *middleware.Validator
}

// Config holds API server configuration.
type Config struct {
	Port string

	JobStore    storage.JobStore
	Queue       *queue.Queue
	Quota       *quota.Manager
	Billing     *billing.Client
	DB          *gorm.DB
	Coordinator coordination.Coordinator
	// Election is the coordinator's campaign for this process's own
	// cluster, used only to answer "who is leader" queries; the API
	// server itself never campaigns.
	Election coordination.Election

	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore

	Logger *zap.Logger
}

// NewServer creates a new API server with all dependencies wired.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware("contentctl-api"))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(logger))
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20)) // 1MB body limit

	authCfg := middleware.AuthConfig{
		JWTService:  cfg.JWTService,
		APIKeyStore: cfg.APIKeyStore,
		SkipPaths:   []string{"/health", "/metrics"},
	}
	router.Use(middleware.AuthMiddleware(authCfg))

	s := &Server{
		router:      router,
		logger:      logger,
		jobStore:    cfg.JobStore,
		queue:       cfg.Queue,
		quota:       cfg.Quota,
		billing:     cfg.Billing,
		db:          cfg.DB,
		coordinator: cfg.Coordinator,
		election:    cfg.Election,
		validator:   middleware.NewValidator(middleware.DefaultValidatorConfig()),
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("API server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", s.createJob)
			jobs.GET("/:id", s.getJob)
		}

		storesGroup := v1.Group("/stores/:store_id")
		{
			storesGroup.POST("/quota/check", s.checkQuota)
			storesGroup.POST("/trial", s.initializeTrial)
			storesGroup.POST("/plan", s.transitionPlan)
		}

		v1.POST("/billing/webhook", s.billingWebhook)
		v1.POST("/batch", s.executeBatch)

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/leader", s.getLeader)
		}
	}
}

// requestLogger is a middleware that logs HTTP requests via zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// healthCheck returns server health status with dependency checks.
func (s *Server) healthCheck(c *gin.Context) {
	deps := map[string]bool{
		"postgres": s.jobStore != nil,
		"queue":    s.queue != nil,
		"etcd":     s.coordinator != nil,
	}

	healthy := true
	for _, ok := range deps {
		if !ok {
			healthy = false
			break
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
