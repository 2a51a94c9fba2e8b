package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"commerce-relay/config"
	"commerce-relay/internal/handler"
	"commerce-relay/internal/middleware"
	"commerce-relay/internal/redis"
	"commerce-relay/internal/services"
	"commerce-relay/internal/transport/httpdto"
	"commerce-relay/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	DeadLetters *handler.DeadLetterHandler
	Coupons     *handler.CouponHandler
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// SetupRoutes wires middleware and endpoints. limiter may be nil.
func (s *Server) SetupRoutes(handlers *Handlers, authService *services.AuthService, limiter *redis.RateLimiter, checks map[string]HealthCheck) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		for name, check := range checks {
			if err := check(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(fmt.Sprintf("%s: %v", name, err), "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	issueLimit := passThrough
	adminLimit := passThrough
	if limiter != nil {
		issueLimit = middleware.IssueRateLimitMiddleware(limiter)
		adminLimit = middleware.AdminRateLimitMiddleware(limiter)
	}

	coupons := s.engine.Group("/v1/coupons")
	{
		coupons.POST("/:id/issue", issueLimit, handlers.Coupons.Issue)
		coupons.GET("/:id/status", handlers.Coupons.Status)
	}

	admin := s.engine.Group("/v1/admin", middleware.AuthMiddleware(authService), adminLimit)
	{
		admin.POST("/coupons", handlers.Coupons.Publish)

		admin.GET("/dead-letters", handlers.DeadLetters.List)
		admin.GET("/dead-letters/stats", handlers.DeadLetters.Stats)
		admin.GET("/dead-letters/:id", handlers.DeadLetters.GetByID)
		admin.POST("/dead-letters/:id/retry", handlers.DeadLetters.Retry)
		admin.POST("/dead-letters/:id/resolve", handlers.DeadLetters.Resolve)
	}
}

func passThrough(c *gin.Context) { c.Next() }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if s.logger != nil {
			s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		}
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil && s.logger != nil {
			s.logger.Errorf("Error in starting the server: %s", err)
		}
		return err
	case <-ctx.Done():
	}

	if s.logger != nil {
		s.logger.Infof("Shutdown requested, draining HTTP connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		if s.logger != nil {
			s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		}
		return err
	}

	if s.logger != nil {
		s.logger.Infof("Server stopped gracefully")
	}

	return nil
}
