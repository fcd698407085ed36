// Package server wires the escrow service together and serves its HTTP API.
package server

import (
	"context"
	"database/sql"
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
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/stellapay/escrowd/internal/auth"
	"github.com/stellapay/escrowd/internal/config"
	"github.com/stellapay/escrowd/internal/escrow"
	"github.com/stellapay/escrowd/internal/eventbus"
	"github.com/stellapay/escrowd/internal/health"
	"github.com/stellapay/escrowd/internal/kvstore"
	"github.com/stellapay/escrowd/internal/ledger"
	"github.com/stellapay/escrowd/internal/logging"
	"github.com/stellapay/escrowd/internal/metrics"
	"github.com/stellapay/escrowd/internal/ratelimit"
	"github.com/stellapay/escrowd/internal/realtime"
	"github.com/stellapay/escrowd/internal/retry"
	"github.com/stellapay/escrowd/internal/security"
	"github.com/stellapay/escrowd/internal/traces"
	"github.com/stellapay/escrowd/internal/validation"
	"github.com/stellapay/escrowd/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	now     func() time.Time

	db    *sql.DB       // nil unless DATABASE_URL is set
	redis *redis.Client // nil unless REDIS_URL is set

	store       kvstore.Store
	ledger      *ledger.Ledger
	authMgr     *auth.Manager
	contract    *escrow.Contract
	realtimeHub *realtime.Hub
	subscriber  *eventbus.RedisSubscriber
	sweeper     *kvstore.Sweeper
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc
	traceShutdown func(context.Context) error

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

// WithVersion sets the build version reported by /v1/info and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithClock sets the time source for the escrow contract and ledger.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		now:     time.Now,
		health:  health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if cfg.DatabaseURL != "" {
		db, err := openPostgres(ctx, cfg.DatabaseURL, s.logger)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.health.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
		s.logger.Info("using PostgreSQL", "url", maskDSN(cfg.DatabaseURL))
	}

	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL, s.logger)
		if err != nil {
			s.closeConnections()
			return nil, err
		}
		s.redis = client
		s.health.Register("redis", func(ctx context.Context) health.Status {
			if err := client.Ping(ctx).Err(); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
		s.logger.Info("using Redis", "url", maskDSN(cfg.RedisURL))
	}

	if err := s.setupStores(); err != nil {
		s.closeConnections()
		return nil, err
	}
	s.setupEscrow()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openPostgres connects with boot retries and applies pending migrations.
func openPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	policy := retry.BootPolicy()
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("database not reachable, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	if err := retry.Do(ctx, policy, db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, rawURL string, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	policy := retry.BootPolicy()
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("redis not reachable, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// setupStores picks the escrow record store from STORE_BACKEND. Ledger
// balances and API keys live in Postgres whenever a database is configured.
func (s *Server) setupStores() error {
	switch s.cfg.StoreBackend {
	case config.BackendPostgres:
		if s.db == nil {
			return errors.New("postgres store backend requires DATABASE_URL")
		}
		s.store = kvstore.NewPostgresStore(s.db).WithClock(s.now)
	case config.BackendRedis:
		if s.redis == nil {
			return errors.New("redis store backend requires REDIS_URL")
		}
		s.store = kvstore.NewRedisStore(s.redis, "escrowd:")
	default:
		s.store = kvstore.NewMemoryStore().WithClock(s.now)
	}
	s.logger.Info("escrow record store selected", "backend", s.cfg.StoreBackend)

	if p, ok := s.store.(health.Pinger); ok {
		s.health.Register("store", health.PingChecker("store", p))
	}
	if p, ok := s.store.(kvstore.Purger); ok {
		s.sweeper = kvstore.NewSweeper(p, s.cfg.SweepInterval, s.logger)
	}

	if s.db != nil {
		s.ledger = ledger.New(ledger.NewPostgresStore(s.db))
		s.authMgr = auth.NewManager(auth.NewPostgresStore(s.db))
	} else {
		s.ledger = ledger.New(ledger.NewMemoryStore())
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
	}
	s.ledger.WithClock(s.now).WithLogger(s.logger)
	return nil
}

// setupEscrow builds the contract and its event fan-out. With Redis, events
// reach the local hub through the bus so every instance streams every
// event exactly once.
func (s *Server) setupEscrow() {
	s.realtimeHub = realtime.NewHub(s.logger)

	emitters := escrow.MultiEmitter{escrow.LogEmitter{Logger: s.logger}}
	if s.redis != nil {
		emitters = append(emitters, eventbus.NewRedisPublisher(s.redis, s.cfg.EventsChannel, s.logger))
		s.subscriber = eventbus.NewRedisSubscriber(s.redis, s.cfg.EventsChannel, s.logger)
	} else {
		emitters = append(emitters, s.realtimeHub)
	}

	s.contract = escrow.NewContract(s.store, s.ledger, auth.NewVerifier(), s.cfg.CustodyAddress).
		WithClock(s.now).
		WithLogger(s.logger).
		WithEmitter(emitters).
		WithLockTiming(s.cfg.LockTTL, s.cfg.LockWait)
	s.logger.Info("escrow contract ready",
		"custody", s.contract.Custody(),
		"default_token", s.cfg.DefaultToken,
		"require_arbiter", s.cfg.RequireArbiter,
	)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.Middleware(s.logger))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig(s.cfg.RateLimitRPM))

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(s.rateLimiter.Middleware())

	v1.GET("/info", s.infoHandler)

	escrowHandler := escrow.NewHandler(s.contract, s.logger).
		WithDefaults(s.cfg.DefaultToken, s.cfg.RequireArbiter)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	authHandler := auth.NewHandler(s.authMgr)

	escrowHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	authHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
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

// readinessHandler reports not_ready until Run has started, then defers to
// the dependency checks.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Handler()(c)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":        "escrowd",
		"version":        s.version,
		"custody":        s.contract.Custody(),
		"defaultToken":   s.cfg.DefaultToken,
		"requireArbiter": s.cfg.RequireArbiter,
		"storeBackend":   s.cfg.StoreBackend,
		"realtime":       s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// signal, ctx cancellation, or a listener error.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// startBackground launches the hub, the bus relay, the lease sweeper and
// the DB stats collector, then marks the server ready.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)

	if s.subscriber != nil {
		if err := s.subscriber.Run(ctx, s.realtimeHub); err != nil {
			s.logger.Error("event bus relay failed to start; websocket clients will miss events", "error", err)
		}
	}
	if s.sweeper != nil {
		go s.sweeper.Start(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
		cancel()
	}
	s.closeConnections()

	s.logger.Info("server stopped")
	return shutdownErr
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

// Contract returns the escrow contract.
func (s *Server) Contract() *escrow.Contract {
	return s.contract
}
