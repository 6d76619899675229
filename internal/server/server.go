// Package server sets up the HTTP server with all routes and runs the
// background workers that settle escrows and deliver notifications.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/arbiter/internal/actor"
	"github.com/mbd888/arbiter/internal/auth"
	"github.com/mbd888/arbiter/internal/config"
	"github.com/mbd888/arbiter/internal/filestore"
	"github.com/mbd888/arbiter/internal/health"
	"github.com/mbd888/arbiter/internal/logging"
	"github.com/mbd888/arbiter/internal/metrics"
	"github.com/mbd888/arbiter/internal/orders"
	"github.com/mbd888/arbiter/internal/outbox"
	"github.com/mbd888/arbiter/internal/ratelimit"
	"github.com/mbd888/arbiter/internal/realtime"
	"github.com/mbd888/arbiter/internal/reconciliation"
	"github.com/mbd888/arbiter/internal/security"
	"github.com/mbd888/arbiter/internal/settlement"
	"github.com/mbd888/arbiter/internal/traces"
	"github.com/mbd888/arbiter/internal/validation"
	"github.com/mbd888/arbiter/internal/webhooks"
	"github.com/mbd888/arbiter/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       settlement.Store
	service     *settlement.Service
	sweeper     *settlement.Sweeper
	relay       *outbox.Relay
	realtimeHub *realtime.Hub
	subscriber  *outbox.RedisSubscriber
	reconciler  *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	issuer      *auth.Issuer
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	drainDelay  time.Duration

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

// WithStore sets the settlement store instead of opening one from config
// (for testing)
func WithStore(st settlement.Store) Option {
	return func(s *Server) {
		s.store = st
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
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupService(ctx); err != nil {
		s.closeConnections()
		return nil, err
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		s.closeConnections()
		return nil, fmt.Errorf("auth issuer: %w", err)
	}
	s.issuer = issuer

	if s.redis != nil {
		s.rateLimiter, err = ratelimit.NewRedis(s.redis, cfg.RateLimit)
	} else {
		s.rateLimiter, err = ratelimit.New(cfg.RateLimit)
	}
	if err != nil {
		s.closeConnections()
		return nil, err
	}

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// setupStorage opens Postgres when DATABASE_URL is set and falls back to the
// in-memory store otherwise.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.store != nil {
		s.logger.Info("using injected settlement store")
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = settlement.NewMemoryStore()
		s.logger.Warn("using in-memory storage; state is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.MigrateOnStart {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	s.db = db
	s.store = settlement.NewPostgresStore(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// setupService builds the settlement coordinator and its workers.
func (s *Server) setupService(ctx context.Context) error {
	cfg := s.cfg

	svcOpts := []settlement.Option{
		settlement.WithDisputeWindow(cfg.DisputeWindow),
		settlement.WithMaxEvidenceBytes(cfg.MaxEvidenceBytes),
	}
	if cfg.OrderServiceURL != "" {
		svcOpts = append(svcOpts, settlement.WithOrderLookup(orders.NewHTTPLookup(cfg.OrderServiceURL)))
		s.logger.Info("order lookup enabled", "url", cfg.OrderServiceURL)
	}
	if cfg.VerifyEvidence {
		svcOpts = append(svcOpts, settlement.WithFileResolver(
			filestore.NewHTTPResolver().WithURLGuard(security.CheckPublicURL),
		))
	}
	s.service = settlement.NewService(s.store, s.logger, svcOpts...)
	s.sweeper = settlement.NewSweeper(s.service, cfg.SweepInterval, s.logger)

	s.reconciler = reconciliation.NewRunner(s.service, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	// Notification fan-out. With Redis every replica's feed is fed from the
	// channel; without it the relay pushes to the local hub directly.
	s.realtimeHub = realtime.NewHub(s.logger)
	var publishers []outbox.Publisher
	if cfg.RedisURL != "" {
		client, err := outbox.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		publishers = append(publishers, outbox.NewRedisPublisher(client, cfg.RedisChannel))
		s.subscriber = outbox.NewRedisSubscriber(client, cfg.RedisChannel, s.logger)
	} else {
		publishers = append(publishers, s.realtimeHub)
	}
	if cfg.NotifyWebhookURL != "" {
		if cfg.IsProduction() {
			if err := security.CheckPublicURL(ctx, cfg.NotifyWebhookURL); err != nil {
				return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
			}
		}
		publishers = append(publishers, webhooks.NewNotifier(cfg.NotifyWebhookURL, cfg.NotifySecret))
	}
	s.relay = outbox.NewRelay(s.store, s.logger, publishers...).
		WithInterval(cfg.OutboxInterval).
		WithMaxAttempts(cfg.OutboxMaxAttempts)

	return nil
}

func (s *Server) registerHealthChecks() {
	s.health.Register("database", health.Ping("database", s.store.Ping))
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	s.health.Register("sweeper", health.Worker("sweeper", s.sweeper.Running))
	s.health.Register("outbox_relay", health.Worker("outbox_relay", s.relay.Running))
	s.health.Register("reconciler", health.Worker("reconciler", s.reconTimer.Running))
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
	// Request ID, request logging
	s.router.Use(logging.Middleware(s.logger))

	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Everything under /v1 needs a caller. Rate limiting keys on the actor,
	// so it runs after authentication.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.issuer), auth.RequireAuth(), s.rateLimiter.Middleware())

	settlement.NewHandler(s.service).RegisterRoutes(v1)
	auth.NewHandler(s.issuer).RegisterRoutes(v1)
	v1.GET("/feed", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	admin := v1.Group("/admin", auth.RequireRole(actor.RoleAdmin))
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(admin)
	admin.GET("/feed/stats", s.feedStatsHandler)
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), health.DefaultTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": "storage unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) feedStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"feed": s.realtimeHub.Stats()})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until ctx
// is cancelled, SIGINT/SIGTERM arrives, or a component fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.cfg.Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled: exporter setup failed", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error { s.realtimeHub.Run(gctx); return nil })
	g.Go(func() error { s.relay.Start(gctx); return nil })
	g.Go(func() error { s.sweeper.Start(gctx); return nil })
	g.Go(func() error { s.reconTimer.Start(gctx); return nil })
	if s.subscriber != nil {
		g.Go(func() error {
			if err := s.subscriber.Run(gctx, s.realtimeHub.Broadcast); err != nil && gctx.Err() == nil {
				return fmt.Errorf("redis subscriber: %w", err)
			}
			return nil
		})
	}
	if s.db != nil {
		g.Go(func() error { metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second); return nil })
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or a failed component, then stop the rest.
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown()
	})

	err = g.Wait()

	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := shutdownTracing(tctx); terr != nil {
		s.logger.Warn("tracing shutdown error", "error", terr)
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	if !s.ready.Swap(false) {
		return nil
	}
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.sweeper.Stop()
	s.relay.Stop()
	s.reconTimer.Stop()

	// Let post-commit evidence checks finish before closing storage.
	s.service.Wait()

	s.closeConnections()
	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeConnections() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Issuer returns the token issuer, for tooling and tests that mint tokens.
func (s *Server) Issuer() *auth.Issuer {
	return s.issuer
}
