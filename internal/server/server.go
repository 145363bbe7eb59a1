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
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/aggregator"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/analysis"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/auth"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/chain"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/circuitbreaker"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/config"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/divergence"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/gate"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/health"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/metrics"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/notify"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/payment"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/proof"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/ratelimit"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/security"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/sources"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/traces"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/usdc"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/validation"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/vault"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"
)

// Version is reported by the health endpoint and build info metric.
// Set by ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// ChainClient is the slice of an RPC client the server wires into the
// fact sources, the deposit watcher, and the transactors.
type ChainClient interface {
	sources.ChainReader
	chain.Client
	Close()
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	chainClient    ChainClient
	payments       *payment.Service
	vault          *vault.Vault
	analysis       *analysis.Service
	divergence     *divergence.Service
	gate           *gate.Gate
	sweeper        *payment.Sweeper
	reconciler     *gate.Reconciler // nil in dry-run mode
	depositWatcher *vault.Watcher
	redisCache     *aggregator.RedisCache  // nil if using in-memory
	memoryCache    *aggregator.MemoryCache // nil if using redis
	verifier       *auth.Verifier
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
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

// WithChainClient sets a custom chain client (for testing)
func WithChainClient(c ChainClient) Option {
	return func(s *Server) {
		s.chainClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set chain client/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces
	metrics.SetBuildInfo(Version, cfg.Network)

	if s.chainClient == nil {
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		s.chainClient = client
	}
	s.health.Register("rpc", health.Ping("rpc", func(ctx context.Context) error {
		_, err := s.chainClient.BlockNumber(ctx)
		return err
	}))

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		paymentStore payment.Store     = payment.NewMemoryStore()
		vaultStore   vault.Store       = vault.NewMemoryStore()
		blockedStore gate.BlockedStore = gate.NewMemoryBlockedStore()
		pendingStore gate.PendingStore = gate.NewMemoryPendingStore()
		nonceStore   auth.NonceStore   = auth.NewMemoryNonceStore()
	)
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
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		pgPayments := payment.NewPostgresStore(db)
		pgVault := vault.NewPostgresStore(db)
		pgBlocked := gate.NewPostgresBlockedStore(db)
		pgPending := gate.NewPostgresPendingStore(db)
		for name, migrate := range map[string]func(context.Context) error{
			"payments": pgPayments.Migrate,
			"vault":    pgVault.Migrate,
			"blocked":  pgBlocked.Migrate,
			"pending":  pgPending.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				return nil, fmt.Errorf("failed to migrate %s: %w", name, err)
			}
		}
		paymentStore, vaultStore, blockedStore, pendingStore = pgPayments, pgVault, pgBlocked, pgPending

		s.health.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		rc, err := aggregator.NewRedisCache(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisCache = rc
		nonceStore = auth.NewRedisNonceStore(rc.Client())
		s.health.Register("redis", health.Ping("redis", rc.Ping))
		s.logger.Info("using Redis fact cache and nonce store")
	}
	var factCache aggregator.Cache
	if s.redisCache != nil {
		factCache = s.redisCache
	} else {
		s.memoryCache = aggregator.NewMemoryCache()
		factCache = s.memoryCache
	}
	s.verifier = auth.NewVerifier(nonceStore, auth.DefaultMaxAge)

	// Payments
	s.payments = payment.NewService(
		paymentStore,
		payment.NewHTTPFacilitator(cfg.FacilitatorURL, cfg.SourceTimeout),
		payment.Config{
			PayTo:        cfg.PayTo,
			Asset:        cfg.PaymentAsset,
			Network:      cfg.Network,
			ChallengeTTL: cfg.PaymentTTL,
			Scope:        payment.Scope(cfg.EntitlementScope),
			Prices: map[string]payment.Price{
				analysis.ResourceAnalyze:      price(cfg.PriceAnalyze, "Contract risk analysis"),
				divergence.ResourceDivergence: price(cfg.PriceDivergence, "CEX/DEX price divergence"),
			},
		},
		s.logger,
	)
	s.sweeper = payment.NewSweeper(paymentStore, s.logger)

	// Fact sources
	nativeUSD, err := decimal.NewFromString(cfg.NativeUSDPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid native USD price: %w", err)
	}
	explorer := sources.NewExplorerClient(cfg.ExplorerAPIURL, cfg.ExplorerAPIKey, cfg.ExplorerRPS, cfg.SourceTimeout)
	dex := sources.NewDexClient(cfg.DexAPIURL, cfg.SourceTimeout)
	facts := aggregator.New(
		aggregator.DefaultChains(explorer, sources.NewRPCSource(s.chainClient, nativeUSD), dex),
		factCache,
		aggregator.WithTTL(cfg.FactCacheTTL),
		aggregator.WithSourceTimeout(cfg.SourceTimeout),
		aggregator.WithBreaker(circuitbreaker.New(5, 30*time.Second)),
		aggregator.WithLogger(s.logger),
	)

	// Transactors. One per key so nonces stay serialized.
	var signerTx, vaultTx *chain.Transactor
	if cfg.VaultPrivateKey != "" {
		vaultTx, err = chain.NewTransactor(s.chainClient, cfg.VaultPrivateKey, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("invalid vault key: %w", err)
		}
	}
	if cfg.SignerPrivateKey != "" && cfg.RiskLedgerContract != "" {
		if vaultTx != nil && sameKey(cfg.SignerPrivateKey, cfg.VaultPrivateKey) {
			signerTx = vaultTx
		} else if signerTx, err = chain.NewTransactor(s.chainClient, cfg.SignerPrivateKey, cfg.ChainID); err != nil {
			return nil, fmt.Errorf("invalid signer key: %w", err)
		}
	}

	// Proofs
	signer, err := proof.NewSigner(cfg.SignerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	var ledger proof.RiskLedger = proof.NewMemoryLedger()
	if cfg.RiskLedgerContract != "" {
		cl, err := proof.NewContractLedger(common.HexToAddress(cfg.RiskLedgerContract), s.chainClient, signerTx)
		if err != nil {
			return nil, fmt.Errorf("failed to bind risk ledger: %w", err)
		}
		ledger = cl
		s.logger.Info("risk ledger configured", "contract", cfg.RiskLedgerContract, "writable", signerTx != nil)
	}
	if signer == nil {
		s.logger.Warn("no signer key configured, proofs will be unverifiable placeholders")
	}
	s.analysis = analysis.NewService(facts, proof.NewService(signer, ledger, s.logger), s.logger)

	s.divergence = divergence.NewService(sources.NewCEXClient(cfg.CEXAPIURL, cfg.SourceTimeout), dex)

	// Vault and transaction gate
	s.vault = vault.New(vaultStore)
	if cfg.VaultContract != "" {
		s.depositWatcher = vault.NewWatcher(
			s.chainClient,
			vault.DefaultWatcherConfig(common.HexToAddress(cfg.VaultContract)),
			s.vault,
			s.logger,
		)
		s.logger.Info("deposit watcher configured", "vault", cfg.VaultContract)
	}

	var executor gate.Executor
	if vaultTx != nil {
		executor = gate.NewChainExecutor(vaultTx, chain.DefaultConfirmationTimeout)
		s.reconciler = gate.NewReconciler(pendingStore, s.vault, vaultTx, s.logger)
		s.logger.Info("transaction gate enabled", "operator", vaultTx.Address().Hex())
	} else {
		executor = gate.NewDryRunExecutor(s.logger)
		s.logger.Warn("no vault key configured, gated calls run in dry-run mode and hold nothing")
	}
	s.gate = gate.New(s.analysis, s.vault, executor, blockedStore,
		gate.WithMaxRiskScore(cfg.MaxRiskScore),
		gate.WithNotifier(notify.NewSlackNotifier(cfg.SlackWebhookURL, cfg.ExplorerWebURL, cfg.Network)),
		gate.WithPendingStore(pendingStore),
		gate.WithLogger(s.logger),
	)

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

// price builds a paid resource entry. amount is validated by config.
func price(amount, what string) payment.Price {
	n, _ := new(big.Int).SetString(amount, 10)
	return payment.Price{
		Amount:      amount,
		Description: fmt.Sprintf("%s (%s USDC)", what, usdc.Format(n)),
	}
}

func sameKey(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig(s.cfg.RateLimitRPS))
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

		// Log level based on status code. 402 is the normal first leg of a
		// paid call.
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400 && status != http.StatusPaymentRequired:
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
	s.router.GET("/health", s.health.Handler(Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	payment.NewHandler(s.payments, s.logger).RegisterRoutes(v1)
	analysis.NewHandler(s.analysis, s.payments, s.logger).RegisterRoutes(v1)
	divergence.NewHandler(s.divergence, s.payments, s.logger).RegisterRoutes(v1)
	gate.NewHandler(s.gate, s.logger).RegisterRoutes(v1, s.verifier)
	vault.NewHandler(s.vault, s.logger).RegisterRoutes(v1.Group("", validation.AddressParamMiddleware()))
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
		WriteTimeout:      90 * time.Second, // gated calls wait for a receipt
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.Network,
			"payTo", s.cfg.PayTo,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start expired payment sweeper
	go s.sweeper.Start(runCtx)

	// Settle holds of executions whose receipt was not seen in time
	if s.reconciler != nil {
		go s.reconciler.Start(runCtx)
	}

	if s.memoryCache != nil {
		go s.memoryCache.RunPurge(runCtx, aggregator.DefaultPurgeInterval)
	}

	// Start deposit watcher
	if s.depositWatcher != nil {
		if err := s.depositWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
		}
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Let in-flight proof anchors finish
	if err := s.analysis.Wait(ctx); err != nil {
		s.logger.Warn("proof anchors still pending at shutdown", "error", err)
	}

	s.sweeper.Stop()
	s.logger.Info("payment sweeper stopped")

	if s.reconciler != nil {
		s.reconciler.Stop()
		s.logger.Info("execution reconciler stopped")
	}

	if s.memoryCache != nil {
		s.memoryCache.Stop()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Stop deposit watcher
	if s.depositWatcher != nil {
		s.depositWatcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}

	if s.redisCache != nil {
		if err := s.redisCache.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close chain connection
	s.chainClient.Close()

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
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
