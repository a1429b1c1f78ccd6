// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/vaultbet/internal/currency"
	"github.com/mbd888/vaultbet/internal/policy"
	"github.com/mbd888/vaultbet/internal/reconciliation"
	"github.com/mbd888/vaultbet/internal/vault"
	"github.com/mbd888/vaultbet/internal/wallet"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "json" or "text"
	CORSOrigins string

	// Storage. Both optional: without DATABASE_URL everything lives in
	// memory, without REDIS_URL nonces and rate limits are per process.
	DatabaseURL string
	RedisURL    string

	// Auth
	JWTSecret        string
	SettlementSecret string // guards /internal/*
	TokenTTL         time.Duration
	NonceTTL         time.Duration

	// Games and money
	SavingsShare    string
	WinBPS          map[policy.GameKind]int64
	MinWithdrawal   map[currency.Code]string // display units
	ConversionRates string
	VaultDomainTag  string

	// Withdrawals
	WithdrawalTTL  time.Duration
	SettlementSLA  time.Duration
	SettlementURL  string // HTTP settlement collaborator; empty = simulated
	SimulatedDelay time.Duration

	// Autoplay
	AutoplayMinDelay  time.Duration
	AutoplayMaxActive int

	// Events
	EventBroker  string // "", "nats" or "kafka"
	NATSURL      string
	NATSPrefix   string
	KafkaBrokers []string
	KafkaTopic   string

	// Background jobs (cron syntax, descriptors allowed; empty disables)
	ReconcileSchedule string
	ExpirySchedule    string
	VerifySchedule    string
	TokenSchedule     string

	// Observability
	OTelEndpoint     string
	TraceSampleRatio float64
	RateLimitRPM     int

	// USDC chain: settlement of USDC withdrawals and the deposit watcher.
	RPCURL             string
	ChainID            int64
	PrivateKey         string // hex, with or without 0x; empty disables on-chain USDC
	USDCContract       string
	WatcherEnabled     bool
	WatcherStartBlock  uint64
	WatcherConfirmLag  uint64
	WatcherPollSeconds int
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultRateLimit    = 120
	DefaultSavingsShare = "9/10"
	DefaultKafkaTopic   = "vaultbet.events"
	DefaultNATSPrefix   = "vaultbet.events"

	// devJWTSecret is only accepted outside production.
	devJWTSecret = "vaultbet-development-secret-change-me"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		CORSOrigins: os.Getenv("CORS_ORIGINS"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSecret:        os.Getenv("JWT_SECRET"),
		SettlementSecret: os.Getenv("SETTLEMENT_SECRET"),
		TokenTTL:         getEnvDuration("TOKEN_TTL", 24*time.Hour),
		NonceTTL:         getEnvDuration("NONCE_TTL", 300*time.Second),

		SavingsShare:    getEnv("SAVINGS_SHARE", DefaultSavingsShare),
		WinBPS:          winBPSFromEnv(),
		MinWithdrawal:   minWithdrawalFromEnv(),
		ConversionRates: os.Getenv("CONVERSION_RATES"),
		VaultDomainTag:  getEnv("VAULT_DOMAIN_TAG", vault.DefaultDomainTag),

		WithdrawalTTL:  getEnvDuration("WITHDRAWAL_TTL", 15*time.Minute),
		SettlementSLA:  getEnvDuration("SETTLEMENT_SLA", 10*time.Minute),
		SettlementURL:  os.Getenv("SETTLEMENT_URL"),
		SimulatedDelay: getEnvDuration("SIMULATED_SETTLEMENT_DELAY", 2*time.Second),

		AutoplayMinDelay:  getEnvDuration("AUTOPLAY_MIN_DELAY", 250*time.Millisecond),
		AutoplayMaxActive: int(getEnvInt64("AUTOPLAY_MAX_ACTIVE", 5)),

		EventBroker:  strings.ToLower(os.Getenv("EVENT_BROKER")),
		NATSURL:      os.Getenv("NATS_URL"),
		NATSPrefix:   getEnv("NATS_SUBJECT_PREFIX", DefaultNATSPrefix),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),

		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", reconciliation.DefaultReconcileSchedule),
		ExpirySchedule:    getEnv("EXPIRY_SCHEDULE", reconciliation.DefaultExpirySchedule),
		VerifySchedule:    getEnv("VERIFY_SCHEDULE", reconciliation.DefaultVerifySchedule),
		TokenSchedule:     getEnv("TOKEN_PURGE_SCHEDULE", reconciliation.DefaultTokenSchedule),

		OTelEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_RATIO", 0.1),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),

		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"),
		USDCContract:       getEnv("USDC_CONTRACT", DefaultUSDCContract),
		WatcherEnabled:     getEnvBool("WATCHER_ENABLED", false),
		WatcherStartBlock:  uint64(getEnvInt64("WATCHER_START_BLOCK", 0)),
		WatcherConfirmLag:  uint64(getEnvInt64("WATCHER_CONFIRMATIONS", 3)),
		WatcherPollSeconds: int(getEnvInt64("WATCHER_POLL_SECONDS", 15)),
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port == "" {
		fail("PORT is required")
	}
	if c.JWTSecret == "" {
		fail("JWT_SECRET is required")
	} else if c.IsProduction() && (len(c.JWTSecret) < 32 || c.JWTSecret == devJWTSecret) {
		fail("JWT_SECRET must be at least 32 characters in production")
	}
	if c.IsProduction() && c.SettlementSecret == "" {
		fail("SETTLEMENT_SECRET is required in production")
	}
	if c.TokenTTL <= 0 || c.NonceTTL <= 0 {
		fail("TOKEN_TTL and NONCE_TTL must be positive")
	}
	if c.WithdrawalTTL <= 0 || c.SettlementSLA <= 0 {
		fail("WITHDRAWAL_TTL and SETTLEMENT_SLA must be positive")
	}
	if c.AutoplayMinDelay <= 0 {
		fail("AUTOPLAY_MIN_DELAY must be positive")
	}

	if _, err := c.Currencies(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Games(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Rates(); err != nil {
		errs = append(errs, fmt.Errorf("CONVERSION_RATES: %w", err))
	}

	switch c.EventBroker {
	case "":
	case "nats":
		if c.NATSURL == "" {
			fail("NATS_URL is required when EVENT_BROKER=nats")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			fail("KAFKA_BROKERS is required when EVENT_BROKER=kafka")
		}
	default:
		fail("EVENT_BROKER must be nats, kafka or empty, got %q", c.EventBroker)
	}

	if c.SettlementURL != "" {
		if u, err := url.Parse(c.SettlementURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			fail("SETTLEMENT_URL must be an http(s) URL")
		}
	}

	for name, spec := range map[string]string{
		"RECONCILE_SCHEDULE":   c.ReconcileSchedule,
		"EXPIRY_SCHEDULE":      c.ExpirySchedule,
		"VERIFY_SCHEDULE":      c.VerifySchedule,
		"TOKEN_PURGE_SCHEDULE": c.TokenSchedule,
	} {
		if spec == "" {
			continue
		}
		if err := reconciliation.ValidateSchedule(spec); err != nil {
			fail("%s: %v", name, err)
		}
	}

	if c.PrivateKey != "" {
		// Allow both with and without 0x prefix
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			fail("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			fail("RPC_URL is required with PRIVATE_KEY")
		}
	}
	if c.WatcherEnabled && c.PrivateKey == "" {
		fail("WATCHER_ENABLED requires PRIVATE_KEY to derive the platform address")
	}

	return errors.Join(errs...)
}

// Currencies returns the currency table with configured minimum
// withdrawals applied.
func (c *Config) Currencies() (*currency.Table, error) {
	t := currency.DefaultTable()
	for code, display := range c.MinWithdrawal {
		spec, err := t.Lookup(code)
		if err != nil {
			return nil, fmt.Errorf("CURRENCY_MIN_WITHDRAWAL_%s: %w", code, err)
		}
		minor, err := spec.ParseAmount(display)
		if err != nil {
			return nil, fmt.Errorf("CURRENCY_MIN_WITHDRAWAL_%s: %w", code, err)
		}
		if err := t.SetMinWithdrawal(code, minor); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Games returns the game table with configured win probabilities and
// savings share applied.
func (c *Config) Games() (*policy.Table, error) {
	t := policy.DefaultTable()
	for kind, bps := range c.WinBPS {
		if err := t.SetWinBPS(kind, bps); err != nil {
			return nil, fmt.Errorf("GAME_WIN_BPS_%s: %w", strings.ToUpper(string(kind)), err)
		}
	}
	share, err := policy.ParseShare(c.SavingsShare)
	if err != nil {
		return nil, fmt.Errorf("SAVINGS_SHARE: %w", err)
	}
	if err := t.SetSavingsShare(share); err != nil {
		return nil, fmt.Errorf("SAVINGS_SHARE: %w", err)
	}
	return t, nil
}

// Rates returns the static conversion rates.
func (c *Config) Rates() (wallet.Rates, error) {
	return wallet.ParseRates(c.ConversionRates)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ChainEnabled reports whether on-chain USDC settlement is configured.
func (c *Config) ChainEnabled() bool {
	return c.PrivateKey != ""
}

// Helper functions

func winBPSFromEnv() map[policy.GameKind]int64 {
	out := make(map[policy.GameKind]int64)
	for _, kind := range policy.DefaultTable().Kinds() {
		key := "GAME_WIN_BPS_" + strings.ToUpper(string(kind))
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				n = -1 // rejected by Validate
			}
			out[kind] = n
		}
	}
	return out
}

func minWithdrawalFromEnv() map[currency.Code]string {
	out := make(map[currency.Code]string)
	for _, code := range currency.DefaultTable().Codes() {
		if v := os.Getenv("CURRENCY_MIN_WITHDRAWAL_" + string(code)); v != "" {
			out[code] = v
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("300s", "15m") or bare seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
