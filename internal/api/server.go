package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qtune/internal/alerting"
	"qtune/internal/config"
	"qtune/internal/connector/sla"
	"qtune/internal/database"
	"qtune/internal/logger"
	"qtune/internal/middleware"
	"qtune/internal/monitoring"
	"qtune/internal/profile"
	"qtune/internal/stability"
	"qtune/internal/strategy/backtest"
	"qtune/internal/strategy/optimizer"
)

// HealthChecker 依赖健康检查
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies 服务端依赖，由 cmd/qtune 组装
type Dependencies struct {
	Scorer   *backtest.Scorer
	Engine   *optimizer.Engine
	Profiles *profile.Service
	SLA      *sla.Service
	Bars     BarStore
	Hub      *alerting.Hub
	Metrics  *monitoring.Metrics
	Limiter  *stability.RateLimiter
	DB       *database.DB
	Redis    HealthChecker
}

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	handlers   *Handlers
	log        logger.Logger
}

// Handlers contains all API handlers
type Handlers struct {
	Autotune *AutotuneHandler
	SLA      *SLAHandler
	Market   *MarketHandler
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: cfg,
		router: gin.New(),
		deps:   deps,
		log:    log,
	}
	s.handlers = &Handlers{
		Autotune: NewAutotuneHandler(deps.Scorer, deps.Engine, deps.Profiles, log),
		SLA:      NewSLAHandler(deps.SLA, cfg.SLA.SyncTimeout, log),
	}
	if deps.Bars != nil {
		s.handlers.Market = NewMarketHandler(deps.Bars)
	}

	s.setupRoutes()
	return s
}

// Router exposes the gin engine, used by tests
func (s *Server) Router() *gin.Engine { return s.router }

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.ErrorHandler(s.log))
	s.router.Use(requestLogger(s.log))
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.MetricsMiddleware())
	}
	s.router.Use(middleware.HandleError(s.log))

	if s.deps.Metrics != nil && s.config.Monitoring.PrometheusEnabled {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(s.deps.Metrics.Handler()))
	}
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	if s.deps.Limiter != nil && s.config.Server.RateLimit.Enabled {
		v1.Use(s.deps.Limiter.Middleware(stability.RateLimiterTypeAPI))
	}

	at := s.handlers.Autotune
	v1.POST("/backtest/run", at.RunBacktest)

	autotune := v1.Group("/autotune")
	{
		run := autotune.Group("")
		if s.deps.Limiter != nil && s.config.Server.RateLimit.Enabled {
			run.Use(s.deps.Limiter.Middleware(stability.RateLimiterTypeAutotune))
		}
		run.POST("/run", at.RunAutotune)

		autotune.GET("/runs", at.ListRuns)
		autotune.GET("/runs/:id", at.GetRun)
		autotune.GET("/strategies", at.ListStrategies)

		autotune.GET("/profiles", at.ListProfiles)
		autotune.GET("/profiles/active", at.GetActiveProfile)
		autotune.POST("/profiles", at.CreateProfile)
		autotune.POST("/profiles/rollback", at.RollbackProfile)
		autotune.POST("/profiles/:id/activate", at.ActivateProfile)
		autotune.POST("/resolve", at.Resolve)

		autotune.GET("/rollout/rules", at.ListRules)
		autotune.POST("/rollout/rules", at.UpsertRule)
		autotune.DELETE("/rollout/rules/:id", at.DeleteRule)
	}

	sh := s.handlers.SLA
	connectors := v1.Group("/events/connectors")
	{
		connectors.POST("", sh.RegisterConnector)
		connectors.GET("", sh.ListConnectors)
		connectors.POST("/health", sh.RecordHealth)
		connectors.POST("/sla/sync", sh.Sync)
		connectors.GET("/sla/states", sh.ListStates)
		connectors.GET("/sla/events", sh.ListEvents)
		connectors.GET("/sla/summary", sh.Summary)
		if s.deps.Hub != nil {
			connectors.GET("/sla/stream", gin.WrapH(s.deps.Hub))
		}
	}

	if mh := s.handlers.Market; mh != nil {
		v1.POST("/market/bars", mh.SaveBars)
		v1.GET("/market/bars", mh.GetBars)
	}
}

// health 汇总数据库与 Redis 状态；数据库不可用时返回 503
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	dbHealth := "unavailable"
	if s.deps.DB != nil {
		dbHealth = "ok"
		if err := s.deps.DB.HealthCheck(ctx); err != nil {
			dbHealth = "error"
			status = http.StatusServiceUnavailable
		}
	}

	redisHealth := "disabled"
	if s.deps.Redis != nil {
		redisHealth = "ok"
		if err := s.deps.Redis.HealthCheck(ctx); err != nil {
			redisHealth = "error"
		}
	}

	streamClients := 0
	if s.deps.Hub != nil {
		streamClients = s.deps.Hub.Count()
	}

	c.JSON(status, gin.H{
		"status":  http.StatusText(status),
		"version": s.config.App.Version,
		"time":    time.Now().UTC(),
		"services": gin.H{
			"database": dbHealth,
			"redis":    redisHealth,
		},
		"stream_clients": streamClients,
	})
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:        s.router,
		ReadTimeout:    s.config.Server.ReadTimeout,
		WriteTimeout:   s.config.Server.WriteTimeout,
		MaxHeaderBytes: s.config.Server.MaxHeaderBytes,
	}

	s.log.Info("Starting API server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("Shutting down API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// requestLogger 访问日志
func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetRequestID(c))
	}
}
