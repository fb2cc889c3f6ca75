// Package server exposes the monitoring service over HTTP: health and
// metrics endpoints plus the administrative risk API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/zouzh14/explicandum-core/internal/alert"
	"github.com/zouzh14/explicandum-core/internal/config"
	"github.com/zouzh14/explicandum-core/internal/detect"
	"github.com/zouzh14/explicandum-core/internal/health"
	"github.com/zouzh14/explicandum-core/internal/idgen"
	"github.com/zouzh14/explicandum-core/internal/logging"
	"github.com/zouzh14/explicandum-core/internal/metrics"
	"github.com/zouzh14/explicandum-core/internal/ratelimit"
	"github.com/zouzh14/explicandum-core/internal/sched"
	"github.com/zouzh14/explicandum-core/internal/security"
	"github.com/zouzh14/explicandum-core/internal/tasks"
	"github.com/zouzh14/explicandum-core/internal/validation"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg       *config.Config
	manager   *alert.Manager
	runner    *tasks.Runner
	scheduler *sched.Scheduler
	checks    *health.Registry
	db        *sql.DB // nil when using in-memory storage

	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDB attaches the database handle for health checks and pool metrics.
func WithDB(db *sql.DB) Option {
	return func(s *Server) { s.db = db }
}

// New creates the HTTP server over an already-wired manager, task runner,
// and scheduler.
func New(cfg *config.Config, manager *alert.Manager, runner *tasks.Runner, scheduler *sched.Scheduler, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		runner:    runner,
		scheduler: scheduler,
		checks:    health.NewRegistry(),
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.healthy.Store(true)

	if s.db != nil {
		s.checks.Register("database", health.DatabaseChecker(s.db))
	}
	s.checks.Register("scheduler", health.SchedulerChecker(func() (int, int) {
		status := s.scheduler.Status()
		failures := 0
		for _, t := range status {
			failures += t.Failed
		}
		return len(status), failures
	}))

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware guards the monitoring API with a shared secret when
// one is configured. Without ADMIN_SECRET the API is open, which is only
// acceptable in development.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api/v1/monitoring", s.adminAuthMiddleware())
	{
		api.GET("/status", s.statusHandler)
		api.POST("/scan", s.triggerScanHandler)
		api.POST("/cleanup", s.triggerCleanupHandler)
		api.GET("/risks", s.listRisksHandler)
		api.POST("/risks/:id/resolve", validation.EventIDParamMiddleware(), s.resolveRiskHandler)
		api.GET("/statistics", s.statisticsHandler)
		api.GET("/scheduler", s.schedulerStatusHandler)
		api.POST("/report", s.sendReportHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"monitoringEnabled":  s.cfg.MonitoringEnabled,
		"scanInterval":       s.cfg.ScanInterval.String(),
		"cleanupInterval":    s.cfg.CleanupInterval.String(),
		"retentionDays":      s.cfg.RetentionDays,
		"dailyReportEnabled": s.cfg.DailyReportEnabled,
		"webhookConfigured":  s.cfg.AlertWebhookURL != "",
		"lastScan":           s.runner.LastScan(),
		"statistics":         s.manager.Statistics(c.Request.Context(), 24),
		"scheduler":          s.scheduler.Status(),
	})
}

func (s *Server) triggerScanHandler(c *gin.Context) {
	run, err := s.scheduler.TriggerNow(c.Request.Context(), tasks.ScanTaskName)
	if err != nil {
		if errors.Is(err, sched.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "scan_in_progress",
				"message": "A risk scan is already running",
			})
			return
		}
		// The run carries the failure detail; the scan outcome below still
		// reflects whatever was persisted before the failure.
		logging.L(c.Request.Context()).Error("manual scan failed", "error", err)
	}

	status := http.StatusOK
	if run != nil && run.State == sched.StateFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{
		"run":    run,
		"result": s.runner.LastScan(),
	})
}

func (s *Server) triggerCleanupHandler(c *gin.Context) {
	run, err := s.scheduler.TriggerNow(c.Request.Context(), tasks.CleanupTaskName)
	if err != nil {
		if errors.Is(err, sched.ErrAlreadyRunning) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "cleanup_in_progress",
				"message": "A cleanup run is already in progress",
			})
			return
		}
		logging.L(c.Request.Context()).Error("manual cleanup failed", "error", err)
	}

	status := http.StatusOK
	if run != nil && run.State == sched.StateFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"run": run})
}

func (s *Server) listRisksHandler(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 1000",
			})
			return
		}
		limit = n
	}

	var records []*alert.Record
	if rawLevel := c.Query("level"); rawLevel != "" {
		level, err := detect.ParseLevel(rawLevel)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_level",
				"message": err.Error(),
			})
			return
		}
		unresolvedOnly := c.DefaultQuery("unresolved", "true") == "true"
		records = s.manager.GetByLevel(c.Request.Context(), level, unresolvedOnly)
		if len(records) > limit {
			records = records[:limit]
		}
	} else {
		records = s.manager.GetUnresolved(c.Request.Context(), limit)
	}

	c.JSON(http.StatusOK, gin.H{
		"risks": records,
		"count": len(records),
	})
}

func (s *Server) resolveRiskHandler(c *gin.Context) {
	var req struct {
		ResolvedBy string `json:"resolvedBy"`
	}
	// An empty body is fine; the resolver just defaults.
	_ = c.ShouldBindJSON(&req)
	if req.ResolvedBy == "" {
		req.ResolvedBy = "admin"
	}
	req.ResolvedBy = validation.SanitizeString(req.ResolvedBy, 64)

	id := c.Param("id")
	switch s.manager.Resolve(c.Request.Context(), id, req.ResolvedBy) {
	case alert.ResolveOK:
		c.JSON(http.StatusOK, gin.H{"resolved": true, "id": id})
	case alert.ResolveNotFound:
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": fmt.Sprintf("Risk event %s not found or already resolved", id),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to resolve risk event",
		})
	}
}

func (s *Server) statisticsHandler(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 24*365 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_hours",
				"message": "hours must be between 1 and 8760",
			})
			return
		}
		hours = n
	}
	c.JSON(http.StatusOK, s.manager.Statistics(c.Request.Context(), hours))
}

func (s *Server) schedulerStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.scheduler.Status()})
}

func (s *Server) sendReportHandler(c *gin.Context) {
	if !s.manager.SendDailyReport(c.Request.Context()) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "delivery_failed",
			"message": "Daily report could not be delivered",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the scheduler, then blocks until a
// shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.scheduler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and the scheduler.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.scheduler.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
