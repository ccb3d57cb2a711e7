// Package server wires the settlement engine together and exposes the
// HTTP surface: deal intake, status reads, health, metrics, and the
// live event stream.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/staychain/bookingd/internal/alerts"
	"github.com/staychain/bookingd/internal/booking"
	"github.com/staychain/bookingd/internal/chain"
	"github.com/staychain/bookingd/internal/config"
	"github.com/staychain/bookingd/internal/deal"
	"github.com/staychain/bookingd/internal/events"
	"github.com/staychain/bookingd/internal/group"
	"github.com/staychain/bookingd/internal/health"
	"github.com/staychain/bookingd/internal/logging"
	"github.com/staychain/bookingd/internal/metrics"
	"github.com/staychain/bookingd/internal/observer"
	"github.com/staychain/bookingd/internal/provider"
	"github.com/staychain/bookingd/internal/queue"
	"github.com/staychain/bookingd/internal/reward"
	"github.com/staychain/bookingd/internal/traces"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ChainService is what the engine needs from the chain client.
type ChainService interface {
	ReadState(ctx context.Context, contractAddr string) (*chain.StateView, error)
	Refund(ctx context.Context, contractAddr, recipient string) (string, error)
	TransferToken(ctx context.Context, tokenAddr, recipient string, amount *big.Int) (string, error)
	Ping(ctx context.Context) error
	Close()
}

// BookingService is what the engine needs from the provider client.
type BookingService interface {
	FinalizeBooking(ctx context.Context, offer deal.Offer, passengers []deal.Passenger) (string, error)
	Ping(ctx context.Context) error
}

// Server wraps the HTTP server, the stores, and the settlement workers.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB // nil if using in-memory
	deals    deal.Store
	groups   group.Store
	rewards  reward.Store
	chain    ChainService
	provider BookingService
	notifier alerts.Notifier
	hub      *events.Hub
	checks   *health.Registry

	dealQueue     *queue.Queue
	contractQueue *queue.Queue
	groupQueue    *queue.Queue
	rewardQueue   *queue.Queue
	workers       []*queue.Worker

	observer    *observer.Observer
	executor    *booking.Executor
	coordinator *group.Coordinator
	distributor *reward.Distributor

	router         *gin.Engine
	httpSrv        *http.Server
	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

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

// WithChain sets a custom chain service (for testing)
func WithChain(c ChainService) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithProvider sets a custom booking provider client (for testing)
func WithProvider(p BookingService) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set chain/provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.deals = deal.NewPostgresStore(db)
		s.groups = group.NewPostgresStore(db)
		s.rewards = reward.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.deals = deal.NewMemoryStore()
		s.groups = group.NewMemoryStore()
		s.rewards = reward.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Chain client if not injected
	if s.chain == nil {
		c, err := chain.New(chain.Config{
			RPCURL:     cfg.RPCURL,
			ChainID:    cfg.ChainID,
			PrivateKey: cfg.PrivateKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain client: %w", err)
		}
		s.chain = c
		if cfg.PrivateKey == "" {
			s.logger.Warn("no refund signer configured, refunds and rewards disabled")
		}
	}

	// Provider client if not injected
	if s.provider == nil {
		s.provider = provider.New(provider.Config{
			BaseURL: cfg.ProviderURL,
			APIKey:  cfg.ProviderAPIKey,
		})
	}

	s.notifier = alerts.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, s.logger)
	s.hub = events.NewHub(s.logger)

	// The four settlement queues
	s.dealQueue = queue.New("deal")
	s.contractQueue = queue.New("contract")
	s.groupQueue = queue.New("group-deal")
	s.rewardQueue = queue.New("rewards")

	// Settlement pipeline
	s.observer = observer.New(s.deals, s.chain, s.dealQueue, s.groupQueue, s.hub,
		observer.Config{
			PollInterval:  cfg.PollInterval,
			PaymentExpiry: cfg.PaymentExpiry,
			Concurrency:   cfg.ObserverConcurrency,
		}, s.logger)

	s.executor = booking.New(s.deals, s.provider, s.chain,
		s.rewardQueue, s.groupQueue, s.notifier, s.hub,
		booking.Config{
			BookingAttempts: cfg.BookingMaxAttempts,
			RefundAttempts:  cfg.RefundMaxAttempts,
		}, s.logger)

	s.coordinator = group.NewCoordinator(s.groups, s.deals, s.dealQueue,
		s.executor, s.hub, s.logger)

	s.distributor = reward.NewDistributor(s.rewards, s.deals, s.chain,
		s.notifier, s.hub,
		reward.Config{
			RateBps:     cfg.RewardRateBps,
			Asset:       cfg.RewardAsset,
			MaxAttempts: cfg.RewardMaxAttempts,
		}, s.logger)

	// One worker abstraction for all four pipelines
	s.workers = []*queue.Worker{
		queue.NewWorker(s.contractQueue, s.observer.CheckByID,
			queue.Options{Concurrency: 2}, s.logger),
		queue.NewWorker(s.dealQueue, s.executor.Execute,
			queue.Options{Concurrency: 4}, s.logger),
		queue.NewWorker(s.groupQueue, s.coordinator.Process,
			queue.Options{Concurrency: 2}, s.logger),
		queue.NewWorker(s.rewardQueue, s.distributor.Distribute,
			queue.Options{Concurrency: 2}, s.logger),
	}

	// Health checks
	s.checks = health.NewRegistry()
	s.checks.Register("rpc", func(ctx context.Context) health.Status {
		if err := s.chain.Ping(ctx); err != nil {
			return health.Status{Name: "rpc", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "rpc", Healthy: true}
	})
	s.checks.Register("provider", func(ctx context.Context) health.Status {
		if err := s.provider.Ping(ctx); err != nil {
			return health.Status{Name: "provider", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "provider", Healthy: true}
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
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
		logging.FromContext(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

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

		ctx := logging.WithLogger(c.Request.Context(),
			s.logger.With("request_id", requestID))
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

		logger := logging.FromContext(c.Request.Context())

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Service info
	s.router.GET("/", s.infoHandler)

	// WebSocket event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.POST("/deals", s.createDeal)
	v1.GET("/deals", s.listDeals)
	v1.GET("/deals/:id", s.getDeal)
	v1.GET("/deals/:id/reward", s.getReward)

	v1.POST("/groups", s.createGroup)
	v1.GET("/groups/:id", s.getGroup)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server, the observer, and the queue workers, then
// blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

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

	go s.hub.Run(runCtx)
	go s.observer.Start(runCtx)
	for _, w := range s.workers {
		w.Start(runCtx)
	}

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

// Shutdown gracefully stops the server. In-flight queue items finish;
// unprocessed items re-check their preconditions on next start.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
	}

	// Stop intake before workers so nothing new lands mid-drain.
	s.observer.Stop()
	s.logger.Info("contract observer stopped")

	for _, w := range s.workers {
		w.Stop()
	}

	// Cancel remaining background goroutines (hub, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	s.chain.Close()

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
