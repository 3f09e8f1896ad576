// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountypay/internal/auth"
	"github.com/mbd888/bountypay/internal/config"
	"github.com/mbd888/bountypay/internal/escrow"
	"github.com/mbd888/bountypay/internal/health"
	"github.com/mbd888/bountypay/internal/ledger"
	"github.com/mbd888/bountypay/internal/logging"
	"github.com/mbd888/bountypay/internal/metrics"
	"github.com/mbd888/bountypay/internal/payments"
	"github.com/mbd888/bountypay/internal/payout"
	"github.com/mbd888/bountypay/internal/ratelimit"
	"github.com/mbd888/bountypay/internal/reconciliation"
	"github.com/mbd888/bountypay/internal/security"
	"github.com/mbd888/bountypay/internal/traces"
	"github.com/mbd888/bountypay/internal/validation"
	"github.com/mbd888/bountypay/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	version      string
	components   *Components
	provider     payments.Provider // injected for tests; nil selects from config
	verifier     webhooks.Verifier
	recTimer     *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
	drainDelay   time.Duration

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

// WithProvider sets the payment provider (for testing)
func WithProvider(p payments.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	var c *Components
	if cfg.DatabaseURL != "" {
		db, err := OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		c = NewComponents(cfg, db, s.provider, s.logger)
	} else {
		c = NewComponents(cfg, nil, s.provider, s.logger)
	}
	s.components = c

	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("no STRIPE_WEBHOOK_SECRET set, every webhook will be rejected")
	}
	s.verifier = webhooks.NewStripeVerifier(cfg.StripeWebhookSecret)

	s.recTimer = reconciliation.NewTimer(c.Runner, cfg.ReconcileInterval, s.logger)
	s.health = s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupHealth() *health.Registry {
	r := health.NewRegistry()
	if db := s.components.DB; db != nil {
		r.Register("database", health.DBChecker("database", db.PingContext))
	}
	if b := s.components.Breaker; b != nil {
		r.Register("payment_provider", func(context.Context) health.Status {
			if open := b.OpenKeys(); len(open) > 0 {
				return health.Status{Name: "payment_provider", Healthy: false,
					Detail: "circuit open: " + strings.Join(open, ", ")}
			}
			return health.Status{Name: "payment_provider", Healthy: true}
		})
	}
	r.Register("reconciliation", func(context.Context) health.Status {
		st := health.Status{Name: "reconciliation", Healthy: true}
		if rep := s.recTimer.LastReport(); rep != nil && !rep.Healthy() {
			st.Detail = fmt.Sprintf("%d settlement mismatches, %d missing holds, %d stalled holds",
				len(rep.SettlementMismatches), len(rep.MissingHolds), len(rep.StalledHolds))
		}
		if s.ready.Load() && !s.recTimer.Running() {
			st.Healthy = false
			st.Detail = "timer not running"
		}
		return st
	})
	return r
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
			"error":     "internal_error",
			"message":   "An unexpected error occurred",
			"requestId": logging.RequestID(c.Request.Context()),
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Authentication identifies the caller; RequireAuth enforces it per group.
	if s.cfg.SupabaseJWTSecret != "" {
		s.router.Use(auth.Middleware(auth.NewVerifier(s.cfg.SupabaseJWTSecret)))
	} else {
		s.logger.Warn("no SUPABASE_JWT_SECRET set, trusting the " + auth.DevUserHeader + " header (development only)")
		s.router.Use(auth.DevMiddleware())
	}

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 1),
		CleanupInterval:   time.Minute,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", health.Handler(s.health, s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Provider callbacks authenticate by signature, not by user token.
	webhooks.NewHandler(s.verifier, s.components.Reconciler).
		WithClaims(s.components.Guard).
		RegisterRoutes(&s.router.RouterGroup)

	v1 := s.router.Group("/v1", auth.RequireAuth(), s.rateLimiter.Middleware())
	{
		c := s.components
		escrow.NewHandler(c.Escrow).RegisterRoutes(v1)
		ledger.NewHandler(c.Ledger, c.Balances, s.cfg.Currency).RegisterRoutes(v1)
		payout.NewHandler(c.Payouts).RegisterRoutes(v1)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":     "not_found",
			"message":   "Route not found",
			"requestId": logging.RequestID(c.Request.Context()),
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.recTimer.Start(runCtx)

	if db := s.components.DB; db != nil {
		go metrics.StartDBStatsCollector(runCtx, db, 15*time.Second)
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
	defer signal.Stop(sigChan)

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.recTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if db := s.components.DB; db != nil {
		if err := db.Close(); err != nil {
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

// Components returns the wired services.
func (s *Server) Components() *Components {
	return s.components
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
