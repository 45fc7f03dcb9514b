// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/config"
	"github.com/mbd888/p2pescrow/internal/escrow"
	"github.com/mbd888/p2pescrow/internal/health"
	"github.com/mbd888/p2pescrow/internal/ledger"
	"github.com/mbd888/p2pescrow/internal/logging"
	"github.com/mbd888/p2pescrow/internal/metrics"
	"github.com/mbd888/p2pescrow/internal/ratelimit"
	"github.com/mbd888/p2pescrow/internal/realtime"
	"github.com/mbd888/p2pescrow/internal/retry"
	"github.com/mbd888/p2pescrow/internal/traces"
	"github.com/mbd888/p2pescrow/internal/validation"
	"github.com/mbd888/p2pescrow/migrations"
)

// Version is reported by /health and /v1/info.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	ledger        *ledger.Ledger
	escrowService *escrow.Service
	expiry        *escrow.ExpiryWatcher
	realtimeHub   *realtime.Hub
	verifier      *auth.Verifier
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	now           func() time.Time
	drainDelay    time.Duration
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithClock overrides the clock used by escrow timeouts and signature checks
// (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		now:        time.Now,
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stop, err := traces.Setup(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.stopTracing = stop

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory. The ledger
	// and escrow stores share one backend so each instruction commits once.
	var (
		ledgerStore ledger.Store
		escrowStore escrow.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		pgLedger := ledger.NewPostgresStore(db)
		ledgerStore = pgLedger
		escrowStore = escrow.NewPostgresStore(db, pgLedger)
		s.health.Register(health.Ping("database", db))
		if err := metrics.RegisterDB(db, "escrow"); err != nil {
			s.logger.Warn("db stats collector not registered", "error", err)
		}
	} else {
		memLedger := ledger.NewMemoryStore()
		ledgerStore = memLedger
		escrowStore = escrow.NewMemoryStore(memLedger)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore, cfg.Program(), cfg.Mint())

	wsOrigins := cfg.CORSOrigins
	if len(wsOrigins) == 0 {
		wsOrigins = []string{"*"}
	}
	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithAllowedOrigins(wsOrigins))
	s.health.Register(health.Loop("realtime_hub", s.realtimeHub.Running))

	s.escrowService = escrow.NewService(escrowStore, s.ledger, cfg.Program(), cfg.AdminAddress).
		WithClock(s.now).
		WithEvents(s.realtimeHub).
		WithLogger(s.logger)
	s.expiry = escrow.NewExpiryWatcher(escrowStore, s.realtimeHub, cfg.ExpiryScanInterval, s.logger).
		WithClock(s.now)
	s.health.Register(health.Loop("expiry_watcher", s.expiry.Running))

	s.verifier = auth.NewVerifier(cfg.SignatureMaxAge).WithClock(s.now)

	s.logger.Info("escrow program configured",
		"program", cfg.ProgramAddress,
		"admin", cfg.AdminAddress,
		"mint", cfg.MintAddress,
		"faucet", cfg.FaucetEnabled,
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openDB connects to Postgres, retrying while the database starts up.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	err = retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", gin.WrapH(s.realtimeHub))

	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())
	v1.Use(auth.Middleware(s.verifier))
	v1.GET("/info", s.infoHandler)

	escrowHandler := escrow.NewHandler(s.escrowService)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	if s.cfg.FaucetEnabled {
		ledgerHandler = ledgerHandler.WithFaucet(s.cfg.AdminAddress)
	}

	escrowHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)

	signed := v1.Group("")
	signed.Use(auth.RequireSigner())
	escrowHandler.RegisterProtectedRoutes(signed)
	ledgerHandler.RegisterProtectedRoutes(signed)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  realtime.Stats  `json:"realtime"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		// Loops only run after Run; before that the process is up but degraded.
		status = "degraded"
	}
	if !s.healthy.Load() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: s.now().UTC().Format(time.RFC3339),
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
	s.health.ReadyHandler(c)
}

// infoHandler describes the deployment so clients can derive addresses and
// format amounts without extra configuration.
func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":           Version,
		"program":           s.cfg.ProgramAddress,
		"admin":             s.cfg.AdminAddress,
		"mint":              s.cfg.MintAddress,
		"mintDecimals":      s.cfg.MintDecimals,
		"maxTimeoutSeconds": escrow.MaxTimeoutSeconds,
		"faucet":            s.cfg.FaucetEnabled,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP until ctx ends, SIGINT or SIGTERM arrives, or the listener
// fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on :%s: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String(), "env", s.cfg.Env)
		serveErr <- s.httpSrv.Serve(ln)
	}()
	s.startBackground(runCtx)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			cancel()
			return fmt.Errorf("serve: %w", err)
		}
	case <-sigCtx.Done():
		s.logger.Info("shutdown requested", "cause", context.Cause(sigCtx))
	}
	return s.Shutdown()
}

// startBackground launches the hub and the expiry watcher, then marks the
// server ready.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.expiry.Start(ctx)
	s.ready.Store(true)
	s.logger.Info("server ready")
}

// Shutdown fails readiness, waits drainDelay for load balancers to notice,
// drains in-flight requests, then stops background work and closes storage.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("draining", "delay", s.drainDelay)
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.expiry.Stop()
	s.rateLimiter.Stop()

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Warn("tracing flush failed", "error", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown finished with errors", "error", err)
	} else {
		s.logger.Info("server stopped")
	}
	return err
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// EscrowService exposes the escrow service to in-process tools.
func (s *Server) EscrowService() *escrow.Service {
	return s.escrowService
}

// Ledger exposes the ledger to in-process tools.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}
