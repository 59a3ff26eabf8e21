// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/jobledger/internal/admin"
	"github.com/mbd888/jobledger/internal/config"
	"github.com/mbd888/jobledger/internal/costcontrol"
	"github.com/mbd888/jobledger/internal/health"
	"github.com/mbd888/jobledger/internal/ledger"
	"github.com/mbd888/jobledger/internal/logging"
	"github.com/mbd888/jobledger/internal/metrics"
	"github.com/mbd888/jobledger/internal/money"
	"github.com/mbd888/jobledger/internal/queue"
	"github.com/mbd888/jobledger/internal/ratelimit"
	"github.com/mbd888/jobledger/internal/reconciliation"
	"github.com/mbd888/jobledger/internal/reservation"
	"github.com/mbd888/jobledger/internal/security"
	"github.com/mbd888/jobledger/internal/traces"
	"github.com/mbd888/jobledger/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	ledger         *ledger.Ledger
	controller     *costcontrol.Controller
	reservations   *reservation.Manager
	sweepTimer     *reservation.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	jobQueue       queue.Queue
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry
	db             *sql.DB       // nil if using in-memory
	rdb            *redis.Client // nil if using in-memory queue
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithQueue sets a custom queue (for testing)
func WithQueue(q queue.Queue) Option {
	return func(s *Server) {
		s.jobQueue = q
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	// Apply options first (may set queue/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate ledger store: %w", err)
		}
		s.ledger = ledger.New(ledgerStore)

		s.healthChecks.Register("postgres", func(ctx context.Context) health.Status {
			st := health.Status{Name: "postgres", Healthy: true}
			if err := db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	} else {
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Queue (Redis if REDIS_URL set, otherwise in-memory)
	if s.jobQueue == nil {
		if cfg.RedisURL != "" {
			redisOpts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(redisOpts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.rdb = rdb
			s.jobQueue = queue.NewRedisQueue(rdb, "jobs", s.logger)
			s.logger.Info("using Redis job queue")

			s.healthChecks.Register("redis", func(ctx context.Context) health.Status {
				st := health.Status{Name: "redis", Healthy: true}
				if err := rdb.Ping(ctx).Err(); err != nil {
					st.Healthy = false
					st.Detail = err.Error()
				}
				return st
			})
		} else {
			s.jobQueue = queue.NewMemoryQueue()
			s.logger.Info("using in-memory job queue")
		}
	}

	// Cost control limits
	limits, err := parseLimits(cfg)
	if err != nil {
		return nil, err
	}
	s.controller = costcontrol.New(s.ledger, limits, s.logger)

	// Reservation manager with cost control admission and expiry sweep
	s.reservations = reservation.NewManager(s.ledger, s.controller, cfg.ReservationTTL, s.logger)
	s.sweepTimer = reservation.NewTimer(s.reservations, s.logger)
	s.logger.Info("reservations enabled", "ttl", cfg.ReservationTTL)

	// Reconciliation (cache vs journal drift detection)
	s.reconciler = reconciliation.NewRunner(s.ledger, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, s.logger)

	// Tracing (no-op when OTLP_ENDPOINT unset)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdown
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// parseLimits converts the config's decimal cap strings into Limits.
func parseLimits(cfg *config.Config) (costcontrol.Limits, error) {
	var limits costcontrol.Limits
	daily, ok := money.Parse(cfg.DailyCap)
	if !ok {
		return limits, fmt.Errorf("invalid DAILY_CAP: %q", cfg.DailyCap)
	}
	hourly, ok := money.Parse(cfg.HourlyCap)
	if !ok {
		return limits, fmt.Errorf("invalid HOURLY_CAP: %q", cfg.HourlyCap)
	}
	minBalance, ok := money.Parse(cfg.MinBalance)
	if !ok {
		return limits, fmt.Errorf("invalid MIN_BALANCE: %q", cfg.MinBalance)
	}
	limits.Daily = daily
	limits.Hourly = hourly
	limits.MinBalance = minBalance
	return limits, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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

// adminSecretMiddleware guards admin routes with the X-Admin-Secret header.
// In development with no secret configured, admin routes are open.
func (s *Server) adminSecretMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				// Validate() prevents this, but fail closed anyway
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin API is not configured",
				})
				return
			}
			c.Next()
			return
		}

		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserIDParamMiddleware())

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	reservationHandler := reservation.NewHandler(s.reservations, s.logger)
	reservationHandler.RegisterRoutes(v1)

	queueHandler := queue.NewHandler(s.jobQueue, s.logger)
	queueHandler.RegisterRoutes(v1)

	spendingHandler := costcontrol.NewHandler(s.controller)
	spendingHandler.RegisterRoutes(v1)

	// Admin routes (X-Admin-Secret header)
	adminGroup := v1.Group("/admin")
	adminGroup.Use(s.adminSecretMiddleware())

	ledgerHandler.RegisterAdminRoutes(adminGroup)
	reservationHandler.RegisterAdminRoutes(adminGroup)

	adminHandler := admin.NewHandler().
		WithReconciler(s.reconciler).
		WithSweeper(s.reservations)
	adminHandler.RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "jobledger",
		"description": "Job accounting backbone: append-only ledger, reservations, priority queue",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start expired-hold sweep timer
	go s.sweepTimer.Start(runCtx)

	// Start reconciliation timer
	go s.reconcileTimer.Start(runCtx)

	// Sample DB pool stats into Prometheus gauges
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop sweep timer
	if s.sweepTimer != nil {
		s.sweepTimer.Stop()
		s.logger.Info("sweep timer stopped")
	}

	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close redis connection
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
