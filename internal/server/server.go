// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/grainhero/accesscore/internal/auth"
	"github.com/grainhero/accesscore/internal/billing"
	"github.com/grainhero/accesscore/internal/config"
	"github.com/grainhero/accesscore/internal/health"
	"github.com/grainhero/accesscore/internal/logging"
	"github.com/grainhero/accesscore/internal/metrics"
	"github.com/grainhero/accesscore/internal/plans"
	"github.com/grainhero/accesscore/internal/ratelimit"
	"github.com/grainhero/accesscore/internal/reconciliation"
	"github.com/grainhero/accesscore/internal/scope"
	"github.com/grainhero/accesscore/internal/security"
	"github.com/grainhero/accesscore/internal/subscription"
	"github.com/grainhero/accesscore/internal/tenant"
	"github.com/grainhero/accesscore/internal/traces"
	"github.com/grainhero/accesscore/internal/usage"
	"github.com/grainhero/accesscore/internal/webhooks"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// MaxBodyBytes caps every request body. Stripe payloads stay well below it.
const MaxBodyBytes = webhooks.MaxBodyBytes

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB // nil if using in-memory
	tenants     tenant.Store
	subs        subscription.Store
	events      webhooks.EventStore
	catalog     *plans.Catalog
	resolver    *scope.Resolver
	machine     *subscription.Machine
	gateway     billing.Gateway
	processor   *webhooks.Processor
	counter     usage.Counter
	meter       *usage.Meter
	notifier    usage.Notifier
	sweeper     *usage.Scheduler
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	authMgr     *auth.Manager
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithGateway replaces the Stripe gateway (for testing)
func WithGateway(gw billing.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithCounter replaces the live usage counter (for testing)
func WithCounter(c usage.Counter) Option {
	return func(s *Server) {
		s.counter = c
	}
}

// WithNotifier replaces the limit warning notifier (for testing)
func WithNotifier(n usage.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set logger, gateway, counter)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if cfg.PlanCatalogPath != "" {
		catalog, err := plans.Load(cfg.PlanCatalogPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load plan catalog: %w", err)
		}
		s.catalog = catalog
		s.logger.Info("plan catalog loaded", "path", cfg.PlanCatalogPath, "plans", len(catalog.Plans()))
	} else {
		s.catalog = plans.Default()
		s.logger.Info("using built-in plan catalog", "plans", len(s.catalog.Plans()))
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var uow webhooks.UnitOfWork
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.tenants = tenant.NewPostgresStore(db)
		s.subs = subscription.NewPostgresStore(db)
		s.events = webhooks.NewPostgresStore(db)
		uow = webhooks.NewPostgresUnitOfWork(db)
		s.health.Register("database", health.Database(db, 2*time.Second))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if s.counter == nil {
			counter := usage.NewPostgresCounter(db)
			if cfg.UploadsBucket != "" {
				sizer, err := usage.NewS3SizerFromEnv(ctx, cfg.AWSRegion, cfg.UploadsBucket)
				if err != nil {
					return nil, fmt.Errorf("failed to configure storage metering: %w", err)
				}
				counter.WithSizer(sizer)
				s.logger.Info("metering storage from S3", "bucket", cfg.UploadsBucket)
			}
			s.counter = counter
		}
	} else {
		tenants := tenant.NewMemoryStore()
		subs := subscription.NewMemoryStore()
		events := webhooks.NewMemoryStore()
		s.tenants, s.subs, s.events = tenants, subs, events
		uow = webhooks.NewMemoryUnitOfWork(tenants, subs, events)
		if s.counter == nil {
			s.counter = usage.NewMemoryCounter()
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			gw := billing.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeTimeout)
			s.health.Register("stripe", health.Breaker("stripe", gw.BreakerState))
			s.gateway = gw
		} else {
			s.gateway = billing.DisabledGateway{}
			s.logger.Warn("STRIPE_SECRET_KEY not set: events needing a Stripe lookup will fail")
		}
	}

	policy := subscription.AccessPolicy{GrantPastDue: cfg.PastDueGrantsAccess}
	s.resolver = scope.NewResolver(scope.WithTechnicianCategories(cfg.TechnicianCategories))
	s.machine = subscription.NewMachine(s.tenants, s.subs, s.catalog).WithPolicy(policy)
	s.meter = usage.NewMeter(s.subs, s.counter).WithThreshold(cfg.UsageWarnThreshold).WithCatalog(s.catalog)

	s.processor = webhooks.NewProcessor(cfg.StripeWebhookSecret, s.events, uow, s.machine, s.gateway).
		WithUsage(s.meter)
	if !s.processor.Configured() {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set: webhook ingress disabled")
	}

	if s.notifier == nil {
		if cfg.SendGridAPIKey != "" {
			s.notifier = usage.NewEmailNotifier(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName)
		} else {
			s.notifier = usage.NewLogNotifier(s.logger)
		}
	}
	s.sweeper = usage.NewScheduler(s.meter, s.subs, s.tenants, s.notifier, s.logger).
		WithInterval(cfg.LimitWarningInterval)

	s.reconciler = reconciliation.NewRunner(s.subs, s.tenants, s.processor, policy)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, s.logger).WithInterval(cfg.ReconcileInterval)

	secret := cfg.JWTSecret
	if secret == "" {
		secret = randomHex(32)
		s.logger.Warn("JWT_SECRET not set: using an ephemeral signing key, tokens will not survive a restart")
	}
	s.authMgr = auth.NewManager(secret, cfg.JWTIssuer, s.tenants)

	// Setup router
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(security.BodyLimit(MaxBodyBytes))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	cfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		cfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(cfg)
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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// rateLimitKey charges authenticated callers per user and everyone else
// per client address.
func rateLimitKey(c *gin.Context) string {
	if u, ok := auth.CurrentUser(c); ok {
		return "user:" + u.ID
	}
	return "ip:" + c.ClientIP()
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

	// Stripe ingress. Not rate limited: Stripe retries on 429 and a
	// throttled delivery only delays access changes.
	webhookHandler := webhooks.NewHandler(s.processor)
	webhookHandler.RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(s.rateLimiter.Middleware(rateLimitKey))

	// Public
	plans.NewHandler(s.catalog).RegisterRoutes(v1)

	subHandler := subscription.NewHandler(s.machine, s.subs, s.resolver)
	analytics := usage.NewHandler(s.meter, s.subs, s.resolver, s.machine.Policy()).WithScheduler(s.sweeper)

	// Any authenticated user
	authed := v1.Group("", auth.RequireAuth())
	authed.GET("/me", auth.Me)
	authed.GET("/scope", auth.ScopeHandler(s.resolver))
	subHandler.RegisterCheckoutRoutes(authed)
	analytics.RegisterRoutes(authed)

	// Billing history is hidden from technicians
	billingRoles := v1.Group("", auth.RequireRoles(tenant.RoleSuperAdmin, tenant.RoleAdmin, tenant.RoleManager))
	subHandler.RegisterPaymentRoutes(billingRoles)

	// Platform-wide views
	platform := v1.Group("", auth.RequireRoles(tenant.RoleSuperAdmin))
	analytics.RegisterPlatformRoutes(platform)

	// Operator routes
	admin := v1.Group("/admin", auth.RequireRoles(tenant.RoleSuperAdmin))
	tenant.NewHandler(s.tenants).RegisterAdminRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	analytics.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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
			"webhooks_enabled", s.processor.Configured(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Background loops
	go s.sweeper.Start(runCtx)
	go s.reconTimer.Start(runCtx)
	s.health.Register("limit_sweeper", health.Loop("limit_sweeper", s.sweeper.Running))
	s.health.Register("reconciliation", health.Loop("reconciliation", s.reconTimer.Running))

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
	if !s.cfg.IsDevelopment() {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.reconTimer.Stop()
	s.logger.Info("background jobs stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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

// Tenants returns the tenant directory (for seeding in tests and tools).
func (s *Server) Tenants() tenant.Store {
	return s.tenants
}

// Auth returns the token manager.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return randomHex(16)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
