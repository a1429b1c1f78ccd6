// Package server wires the vaultbet services into an HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/vaultbet/internal/auth"
	"github.com/mbd888/vaultbet/internal/autoplay"
	"github.com/mbd888/vaultbet/internal/circuitbreaker"
	"github.com/mbd888/vaultbet/internal/config"
	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/events"
	"github.com/mbd888/vaultbet/internal/health"
	"github.com/mbd888/vaultbet/internal/ledger"
	"github.com/mbd888/vaultbet/internal/logging"
	"github.com/mbd888/vaultbet/internal/metrics"
	"github.com/mbd888/vaultbet/internal/policy"
	"github.com/mbd888/vaultbet/internal/ratelimit"
	"github.com/mbd888/vaultbet/internal/realtime"
	"github.com/mbd888/vaultbet/internal/reconciliation"
	"github.com/mbd888/vaultbet/internal/retry"
	"github.com/mbd888/vaultbet/internal/security"
	"github.com/mbd888/vaultbet/internal/syncutil"
	"github.com/mbd888/vaultbet/internal/traces"
	"github.com/mbd888/vaultbet/internal/validation"
	"github.com/mbd888/vaultbet/internal/vault"
	"github.com/mbd888/vaultbet/internal/wager"
	"github.com/mbd888/vaultbet/internal/wallet"
	"github.com/mbd888/vaultbet/internal/watcher"
	"github.com/mbd888/vaultbet/internal/withdrawal"
	"github.com/mbd888/vaultbet/migrations"
)

// Version is reported by the health endpoints.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	currencies *currency.Table
	games      *policy.Table
	stores     storeSet

	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil without REDIS_URL
	broker io.Closer     // nil without EVENT_BROKER

	ledger      *ledger.Ledger
	wallet      *wallet.Service
	wagers      *wager.Coordinator
	withdrawals *withdrawal.Manager
	vault       *vault.Vault
	autoplay    *autoplay.Scheduler
	authMgr     *auth.Manager
	settler     withdrawal.Settler
	simulated   *withdrawal.SimulatedSettler
	chain       *wallet.USDCSettler
	watcher     *watcher.Watcher
	hub         *realtime.Hub
	recon       *reconciliation.Service
	runner      *reconciliation.Runner
	probe       *health.Probe
	limiter     ratelimit.Backend
	memLimiter  *ratelimit.Limiter

	shutdownTraces func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	drainDelay   time.Duration
	stopOnce     sync.Once
	stopErr      error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSettler replaces the configured settlement backend.
func WithSettler(st withdrawal.Settler) Option {
	return func(s *Server) {
		s.settler = st
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
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
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var err error
	if s.currencies, err = cfg.Currencies(); err != nil {
		return nil, err
	}
	if s.games, err = cfg.Games(); err != nil {
		return nil, err
	}
	rates, err := cfg.Rates()
	if err != nil {
		return nil, err
	}

	if cfg.OTelEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTelEndpoint, cfg.TraceSampleRatio, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.shutdownTraces = shutdown
		}
	}

	if err := s.openStorage(ctx); err != nil {
		s.closeAll()
		return nil, err
	}

	s.hub = realtime.NewHub(s.logger)
	publisher, err := s.publisher()
	if err != nil {
		s.closeAll()
		return nil, err
	}

	if err := s.buildServices(publisher, rates); err != nil {
		s.closeAll()
		return nil, err
	}

	s.recon = s.buildReconciliation()
	s.probe = health.NewProbe(s.healthChecks(), Version)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStorage selects Postgres when DATABASE_URL is set and in-memory
// stores otherwise, and connects Redis when REDIS_URL is set.
func (s *Server) openStorage(ctx context.Context) error {
	var (
		ledgerStore   ledger.Store
		wagerStore    wager.Store
		ticketStore   withdrawal.Store
		autoplayStore autoplay.Store
		tokenStore    auth.TokenStore
		nonceStore    auth.NonceStore
	)

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db

		if err := migrate(ctx, db); err != nil {
			return err
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		ledgerStore = ledger.NewPostgresStore(db)
		wagerStore = wager.NewPostgresStore(db)
		ticketStore = withdrawal.NewPostgresStore(db)
		autoplayStore = autoplay.NewPostgresStore(db)
		tokenStore = auth.NewPostgresTokenStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = ledger.NewMemoryStore()
		wagerStore = wager.NewMemoryStore()
		ticketStore = withdrawal.NewMemoryStore()
		autoplayStore = autoplay.NewMemoryStore()
		tokenStore = auth.NewMemoryTokenStore()
	}

	if s.cfg.RedisURL != "" {
		opt, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		nonceStore = auth.NewRedisNonceStore(s.redis)
		s.logger.Info("using redis for nonces and rate limits")
	} else {
		nonceStore = auth.NewMemoryNonceStore()
	}

	s.ledger = ledger.New(ledgerStore, ledger.WithLogger(s.logger))
	s.authMgr = auth.NewManager(nonceStore, tokenStore, auth.Config{
		Secret:   []byte(s.cfg.JWTSecret),
		TokenTTL: s.cfg.TokenTTL,
		NonceTTL: s.cfg.NonceTTL,
	}, s.logger)

	// Stores are handed to the services in buildServices.
	s.stores = storeSet{wagers: wagerStore, tickets: ticketStore, plans: autoplayStore}
	return nil
}

// migrate applies the embedded goose migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// publisher fans events out to the realtime hub and, when configured, the
// external broker.
func (s *Server) publisher() (events.Publisher, error) {
	multi := events.Multi{s.hub}
	switch s.cfg.EventBroker {
	case "nats":
		conn, err := events.DialNATS(s.cfg.NATSURL, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		p := events.NewNATSPublisher(conn, s.cfg.NATSPrefix)
		s.broker = p
		multi = append(multi, p)
		s.logger.Info("publishing events to nats", "prefix", s.cfg.NATSPrefix)
	case "kafka":
		p := events.NewKafkaPublisher(s.cfg.KafkaBrokers, s.cfg.KafkaTopic)
		s.broker = p
		multi = append(multi, p)
		s.logger.Info("publishing events to kafka", "topic", s.cfg.KafkaTopic)
	}
	return multi, nil
}

func (s *Server) buildServices(publisher events.Publisher, rates wallet.Rates) error {
	locks := syncutil.NewKeyedMutex()

	s.wallet = wallet.NewService(s.ledger, s.currencies,
		wallet.WithRates(rates),
		wallet.WithPublisher(publisher),
		wallet.WithLogger(s.logger),
	)

	s.wagers = wager.NewCoordinator(s.ledger, s.stores.wagers, s.games, s.currencies, locks,
		wager.WithPublisher(publisher),
		wager.WithLogger(s.logger),
	)

	settler, err := s.buildSettler()
	if err != nil {
		return err
	}
	s.withdrawals = withdrawal.NewManager(s.ledger, s.stores.tickets, s.currencies, locks, settler,
		withdrawal.WithPublisher(publisher),
		withdrawal.WithLogger(s.logger),
		withdrawal.WithTTL(s.cfg.WithdrawalTTL),
		withdrawal.WithSLA(s.cfg.SettlementSLA),
	)
	if s.simulated != nil {
		s.simulated.Attach(s.withdrawals.OnSettlement)
	}

	s.vault = vault.New(s.ledger, s.currencies, s.withdrawals, s.wagers,
		vault.WithDomainTag(s.cfg.VaultDomainTag),
		vault.WithLogger(s.logger),
	)

	s.autoplay = autoplay.NewScheduler(s.wagers, s.ledger, s.games, s.currencies, s.stores.plans,
		autoplay.WithPublisher(publisher),
		autoplay.WithLogger(s.logger),
		autoplay.WithMinDelay(s.cfg.AutoplayMinDelay),
		autoplay.WithMaxActive(s.cfg.AutoplayMaxActive),
	)

	if s.chain != nil && s.cfg.WatcherEnabled {
		wcfg := watcher.DefaultConfig()
		wcfg.RPCURL = s.cfg.RPCURL
		wcfg.USDCContract = common.HexToAddress(s.cfg.USDCContract)
		wcfg.PlatformAddress = common.HexToAddress(s.chain.Address())
		wcfg.StartBlock = s.cfg.WatcherStartBlock
		wcfg.Confirmations = s.cfg.WatcherConfirmLag
		wcfg.PollInterval = time.Duration(s.cfg.WatcherPollSeconds) * time.Second

		w, err := watcher.Dial(wcfg, s.wallet, s.logger)
		if err != nil {
			s.logger.Warn("failed to create deposit watcher", "error", err)
		} else {
			s.watcher = w
			s.logger.Info("deposit watcher configured",
				"platform", wcfg.PlatformAddress.Hex(),
				"usdc", wcfg.USDCContract.Hex(),
			)
		}
	}
	return nil
}

// buildSettler picks the settlement backend: an injected one, the HTTP
// settlement service, or the in-process simulation. USDC is routed to the
// chain when a hot wallet key is configured.
func (s *Server) buildSettler() (withdrawal.Settler, error) {
	base := s.settler
	switch {
	case base != nil:
	case s.cfg.SettlementURL != "":
		hs, err := withdrawal.NewHTTPSettler(s.cfg.SettlementURL, s.cfg.SettlementSecret,
			circuitbreaker.New(5, 30*time.Second), retry.Default)
		if err != nil {
			return nil, fmt.Errorf("failed to create settlement client: %w", err)
		}
		base = hs
		s.logger.Info("settling withdrawals over http", "url", s.cfg.SettlementURL)
	default:
		s.simulated = withdrawal.NewSimulatedSettler(s.cfg.SimulatedDelay)
		base = s.simulated
		s.logger.Info("settling withdrawals in simulation mode", "delay", s.cfg.SimulatedDelay)
	}

	if !s.cfg.ChainEnabled() {
		return base, nil
	}
	chain, err := wallet.NewUSDCSettler(wallet.ChainConfig{
		RPCURL:       s.cfg.RPCURL,
		PrivateKey:   s.cfg.PrivateKey,
		ChainID:      s.cfg.ChainID,
		USDCContract: s.cfg.USDCContract,
	}, wallet.WithChainLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create chain settler: %w", err)
	}
	s.chain = chain
	s.logger.Info("settling USDC on chain", "hotWallet", chain.Address(), "chainId", s.cfg.ChainID)
	return withdrawal.NewCurrencyRouter(base).Route(currency.USDC, chain), nil
}

func (s *Server) buildReconciliation() *reconciliation.Service {
	var tokens reconciliation.TokenPurger = s.authMgr
	// A nil *USDCSettler in the interface would not compare equal to nil.
	var chain reconciliation.ChainBalanceProvider
	if s.chain != nil {
		chain = s.chain
	}
	return reconciliation.NewService(s.ledger, s.withdrawals, tokens, chain, s.logger)
}

func (s *Server) healthChecks() *health.Registry {
	reg := health.NewRegistry()
	if s.db != nil {
		reg.Register("database", health.Ping("database", s.db.PingContext))
	}
	if s.redis != nil {
		reg.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	if s.chain != nil {
		reg.Register("rpc", health.Ping("rpc", func(ctx context.Context) error {
			_, err := s.chain.HotBalance(ctx)
			return err
		}))
	}
	return reg
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

type storeSet struct {
	wagers  wager.Store
	tickets withdrawal.Store
	plans   autoplay.Store
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
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Tokens are read before rate limiting so authenticated callers are
	// limited per player rather than per address.
	s.router.Use(auth.Middleware(s.authMgr))

	if s.cfg.RateLimitRPM > 0 {
		if s.redis != nil {
			s.limiter = ratelimit.NewRedisLimiter(s.redis, s.cfg.RateLimitRPM, time.Minute)
		} else {
			rl := ratelimit.DefaultConfig()
			rl.RequestsPerMinute = s.cfg.RateLimitRPM
			s.memLimiter = ratelimit.New(rl)
			s.limiter = s.memLimiter
		}
		s.router.Use(ratelimit.Middleware(s.limiter, s.logger))
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.probe.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws/balance/:player",
		auth.RequireAuth(), auth.RequireOwnership("player"), s.hub.ServeBalance)

	h := apiHandlers{
		auth:       auth.NewHandler(s.authMgr),
		wallet:     wallet.NewHandler(s.wallet, s.currencies),
		wager:      wager.NewHandler(s.wagers, s.currencies),
		withdrawal: withdrawal.NewHandler(s.withdrawals, s.currencies),
		vault:      vault.NewHandler(s.vault, s.currencies),
		autoplay:   autoplay.NewHandler(s.autoplay, s.currencies),
	}

	// The API answers at the root and again under /v1.
	s.mountAPI(&s.router.RouterGroup, h)
	s.mountAPI(s.router.Group("/v1"), h)
}

type apiHandlers struct {
	auth       *auth.Handler
	wallet     *wallet.Handler
	wager      *wager.Handler
	withdrawal *withdrawal.Handler
	vault      *vault.Handler
	autoplay   *autoplay.Handler
}

func (s *Server) mountAPI(g *gin.RouterGroup, h apiHandlers) {
	g.GET("/platform", s.platformHandler)
	h.auth.RegisterRoutes(g)

	protected := g.Group("")
	protected.Use(auth.RequireAuth())
	{
		h.auth.RegisterProtectedRoutes(protected)
		h.wallet.RegisterProtectedRoutes(protected)
		h.wager.RegisterProtectedRoutes(protected)
		h.withdrawal.RegisterProtectedRoutes(protected)
		h.vault.RegisterProtectedRoutes(protected)
		h.autoplay.RegisterProtectedRoutes(protected)
	}

	// Deposit callbacks, settlement results and voids come from trusted
	// backends holding the shared secret.
	internal := g.Group("/internal")
	internal.Use(auth.RequireSecret(s.cfg.SettlementSecret))
	{
		h.wallet.RegisterInternalRoutes(internal)
		h.wager.RegisterInternalRoutes(internal)
		h.withdrawal.RegisterInternalRoutes(internal)
		internal.POST("/reconcile", s.reconcileHandler)
	}
}

// platformHandler returns the public platform parameters.
func (s *Server) platformHandler(c *gin.Context) {
	codes := s.currencies.Codes()
	cur := make([]gin.H, 0, len(codes))
	for _, code := range codes {
		spec, err := s.currencies.Lookup(code)
		if err != nil {
			continue
		}
		cur = append(cur, gin.H{
			"code":          spec.Code,
			"decimals":      spec.Scale,
			"minWithdrawal": spec.FormatAmount(spec.MinWithdrawal),
		})
	}
	share := s.games.SavingsShare()
	platform := gin.H{
		"name":         "vaultbet",
		"version":      Version,
		"currencies":   cur,
		"games":        s.games.Kinds(),
		"savingsShare": fmt.Sprintf("%d/%d", share.Num, share.Den),
		"conversion":   s.wallet.Rates().Pairs(),
	}
	if s.chain != nil {
		platform["depositAddress"] = s.chain.Address()
		platform["chainId"] = s.cfg.ChainID
		platform["usdcContract"] = s.cfg.USDCContract
	}
	c.JSON(http.StatusOK, gin.H{"platform": platform})
}

// reconcileHandler runs every reconciliation check once, on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	rep, err := s.recon.RunAll(c.Request.Context())
	status := http.StatusOK
	body := gin.H{"report": rep}
	if err != nil {
		status = http.StatusInternalServerError
		body["error"] = "reconcile_failed"
		body["message"] = err.Error()
	} else if len(rep.Mismatches) > 0 || (rep.OnChain != nil && !rep.OnChain.Match) {
		status = http.StatusConflict
	}
	c.JSON(status, body)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background work: the realtime hub, restored autoplay
// plans, scheduled reconciliation and the deposit watcher.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)

	if n, err := s.autoplay.Restore(runCtx); err != nil {
		s.logger.Error("failed to restore autoplay plans", "error", err)
	} else if n > 0 {
		s.logger.Info("autoplay plans restored", "count", n)
	}

	s.runner = reconciliation.NewRunner(runCtx, s.logger)
	if err := s.runner.Schedule(s.recon,
		s.cfg.ReconcileSchedule, s.cfg.ExpirySchedule, s.cfg.VerifySchedule, s.cfg.TokenSchedule,
	); err != nil {
		cancel()
		return err
	}
	s.runner.Start()

	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start deposit watcher", "error", err)
		}
	}

	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	s.probe.SetReady(true)
	s.logger.Info("server ready", "jobs", s.runner.Jobs())
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if err := s.Start(ctx); err != nil {
		_ = s.Shutdown()
		return err
	}

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

// Shutdown gracefully stops the server. Later calls return the first
// call's result.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() { s.stopErr = s.shutdown() })
	return s.stopErr
}

func (s *Server) shutdown() error {
	s.probe.SetReady(false)
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

	// Plans are persisted as paused-by-shutdown before the context that
	// drives them goes away.
	if err := s.autoplay.Shutdown(ctx); err != nil {
		s.logger.Error("autoplay shutdown error", "error", err)
		errs = append(errs, err)
	}

	if s.runner != nil {
		s.runner.Stop()
		s.logger.Info("reconciliation stopped")
	}
	if s.watcher != nil {
		s.watcher.Stop()
		s.logger.Info("deposit watcher stopped")
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.memLimiter != nil {
		s.memLimiter.Stop()
	}
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.closeAll()
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// closeAll releases external connections. Safe on a partly built server.
func (s *Server) closeAll() {
	if s.broker != nil {
		if err := s.broker.Close(); err != nil {
			s.logger.Error("event broker close error", "error", err)
		}
		s.broker = nil
	}
	if s.chain != nil {
		if err := s.chain.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
