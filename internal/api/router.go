// Package api exposes the operator HTTP surface: enqueueing drafts,
// inspecting items and their audit trails, review decisions, stats and
// health.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/gopost/internal/config"
	"github.com/jonesrussell/gopost/internal/logger"
	"github.com/jonesrussell/gopost/internal/store"
)

const (
	healthCheckTimeout   = 2 * time.Second
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
	defaultListLimit     = 100
	maxListLimit         = 1000
)

// Runner reports whether the orchestrator loop is active.
type Runner interface {
	IsRunning() bool
}

// Router holds the API dependencies.
type Router struct {
	repo        *store.ContentRepository
	redisClient redis.UniversalClient
	runner      Runner
	cfg         *config.Config
	logger      logger.Logger
}

// NewRouter creates a new API router.
func NewRouter(
	repo *store.ContentRepository,
	redisClient redis.UniversalClient,
	runner Runner,
	cfg *config.Config,
	log logger.Logger,
) *Router {
	return &Router{
		repo:        repo,
		redisClient: redisClient,
		runner:      runner,
		cfg:         cfg,
		logger:      log,
	}
}

// Engine builds the gin engine with all routes registered.
func (r *Router) Engine() *gin.Engine {
	if !r.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", r.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/content", r.handleEnqueue)
		v1.GET("/content", r.handleList)
		v1.GET("/content/:id", r.handleGet)
		v1.POST("/content/:id/approve", r.handleApprove)
		v1.POST("/content/:id/reject", r.handleReject)
		v1.GET("/stats", r.handleStats)
	}

	return engine
}

// NewServer wraps the engine in an http.Server with the configured
// timeouts.
func (r *Router) NewServer() *http.Server {
	return &http.Server{
		Addr:         r.cfg.Server.Address,
		Handler:      r.Engine(),
		ReadTimeout:  r.cfg.Server.ReadTimeout,
		WriteTimeout: r.cfg.Server.WriteTimeout,
	}
}
