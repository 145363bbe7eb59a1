// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/security"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Entitlement scopes.
const (
	ScopeGlobal   = "global"
	ScopeResource = "resource"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port         string
	Env          string // "development", "staging", "production"
	LogLevel     string
	LogFormat    string // "text" or "json"
	RateLimitRPS int
	CORSOrigins  []string

	// Storage
	DatabaseURL string // PostgreSQL; in-memory stores when empty
	RedisURL    string // fact cache; in-memory cache when empty

	// Chain
	RPCURL  string
	ChainID int64
	Network string // x402 network name, e.g. "cronos-testnet"

	// Data sources
	ExplorerAPIURL string
	ExplorerAPIKey string
	ExplorerRPS    int
	ExplorerWebURL string // links in alerts
	DexAPIURL      string
	CEXAPIURL      string
	NativeUSDPrice string
	SourceTimeout  time.Duration
	FactCacheTTL   time.Duration

	// x402
	FacilitatorURL   string
	PayTo            string
	PaymentAsset     string
	PriceAnalyze     string // base units of PaymentAsset
	PriceDivergence  string
	PaymentTTL       time.Duration
	EntitlementScope string

	// Proofs
	SignerPrivateKey   string // hex, optional
	RequireSigner      bool
	RiskLedgerContract string

	// Transaction gate
	VaultContract   string
	VaultPrivateKey string
	MaxRiskScore    int
	SlackWebhookURL string

	// Tracing
	OTLPEndpoint string
}

// Cronos testnet defaults
const (
	DefaultRPCURL          = "https://evm-t3.cronos.org"
	DefaultChainID         = 338
	DefaultNetwork         = "cronos-testnet"
	DefaultExplorerAPIURL  = "https://explorer-api.cronos.org/testnet/api/v1"
	DefaultExplorerWebURL  = "https://explorer.cronos.org/testnet"
	DefaultDexAPIURL       = "https://api.dexscreener.com/latest/dex"
	DefaultCEXAPIURL       = "https://api.crypto.com/exchange/v1/public"
	DefaultFacilitatorURL  = "https://facilitator.cronoslabs.org/v2/x402"
	DefaultPaymentAsset    = "0xc01efAaF7C5C61bEbFAeb358E1161b537b8bC0e0" // devUSDC.e
	DefaultPriceAnalyze    = "10000"                                      // 0.01 USDC
	DefaultPriceDivergence = "5000"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultRateLimit       = 100
	DefaultMaxRiskScore    = 30
	DefaultExplorerRPS     = 5
)

// Load reads configuration from environment variables, loading a .env file
// first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", "text"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:  strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		RPCURL:  getEnv("RPC_URL", DefaultRPCURL),
		ChainID: getEnvInt64("CHAIN_ID", DefaultChainID),
		Network: getEnv("NETWORK", DefaultNetwork),

		ExplorerAPIURL: getEnv("EXPLORER_API_URL", DefaultExplorerAPIURL),
		ExplorerAPIKey: os.Getenv("EXPLORER_API_KEY"),
		ExplorerRPS:    int(getEnvInt64("EXPLORER_RPS", DefaultExplorerRPS)),
		ExplorerWebURL: getEnv("EXPLORER_WEB_URL", DefaultExplorerWebURL),
		DexAPIURL:      getEnv("DEX_API_URL", DefaultDexAPIURL),
		CEXAPIURL:      getEnv("CEX_API_URL", DefaultCEXAPIURL),
		NativeUSDPrice: getEnv("NATIVE_USD_PRICE", "0.1"),
		SourceTimeout:  getEnvDuration("SOURCE_TIMEOUT", 5*time.Second),
		FactCacheTTL:   getEnvDuration("FACT_CACHE_TTL", 5*time.Minute),

		FacilitatorURL:   getEnv("FACILITATOR_URL", DefaultFacilitatorURL),
		PayTo:            os.Getenv("PAY_TO"),
		PaymentAsset:     getEnv("PAYMENT_ASSET", DefaultPaymentAsset),
		PriceAnalyze:     getEnv("PRICE_ANALYZE", DefaultPriceAnalyze),
		PriceDivergence:  getEnv("PRICE_DIVERGENCE", DefaultPriceDivergence),
		PaymentTTL:       getEnvDuration("PAYMENT_TTL", 5*time.Minute),
		EntitlementScope: strings.ToLower(getEnv("ENTITLEMENT_SCOPE", ScopeGlobal)),

		SignerPrivateKey:   os.Getenv("SIGNER_PRIVATE_KEY"),
		RequireSigner:      getEnvBool("REQUIRE_SIGNER", false),
		RiskLedgerContract: os.Getenv("RISK_LEDGER_CONTRACT"),

		VaultContract:   os.Getenv("VAULT_CONTRACT"),
		VaultPrivateKey: os.Getenv("VAULT_PRIVATE_KEY"),
		MaxRiskScore:    int(getEnvInt64("MAX_RISK_SCORE", DefaultMaxRiskScore)),
		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.PayTo == "" {
		return fmt.Errorf("PAY_TO is required")
	}
	if !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("PAY_TO must be a 0x-prefixed 20-byte address")
	}
	if c.PaymentAsset != "" && !common.IsHexAddress(c.PaymentAsset) {
		return fmt.Errorf("PAYMENT_ASSET must be a 0x-prefixed 20-byte address")
	}
	for name, v := range map[string]string{
		"RISK_LEDGER_CONTRACT": c.RiskLedgerContract,
		"VAULT_CONTRACT":       c.VaultContract,
	} {
		if v != "" && !common.IsHexAddress(v) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte address", name)
		}
	}
	for name, v := range map[string]string{
		"PRICE_ANALYZE":    c.PriceAnalyze,
		"PRICE_DIVERGENCE": c.PriceDivergence,
	} {
		if _, ok := parseBaseUnits(v); !ok {
			return fmt.Errorf("%s must be a positive integer amount in base units", name)
		}
	}
	if _, err := decimal.NewFromString(c.NativeUSDPrice); err != nil {
		return fmt.Errorf("NATIVE_USD_PRICE must be a decimal number")
	}
	if c.MaxRiskScore < 0 || c.MaxRiskScore > 100 {
		return fmt.Errorf("MAX_RISK_SCORE must be between 0 and 100")
	}
	if c.EntitlementScope != ScopeGlobal && c.EntitlementScope != ScopeResource {
		return fmt.Errorf("ENTITLEMENT_SCOPE must be %q or %q", ScopeGlobal, ScopeResource)
	}
	if c.SignerPrivateKey != "" && !isHexKey(c.SignerPrivateKey) {
		return fmt.Errorf("SIGNER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.RequireSigner && c.SignerPrivateKey == "" {
		return fmt.Errorf("REQUIRE_SIGNER is set but SIGNER_PRIVATE_KEY is empty")
	}
	if c.VaultPrivateKey != "" && !isHexKey(c.VaultPrivateKey) {
		return fmt.Errorf("VAULT_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.VaultPrivateKey != "" && c.VaultContract == "" {
		return fmt.Errorf("VAULT_CONTRACT is required when VAULT_PRIVATE_KEY is set")
	}
	if c.SourceTimeout <= 0 || c.PaymentTTL <= 0 || c.FactCacheTTL <= 0 {
		return fmt.Errorf("SOURCE_TIMEOUT, PAYMENT_TTL and FACT_CACHE_TTL must be positive durations")
	}
	if c.IsProduction() && c.VaultPrivateKey == "" {
		return fmt.Errorf("VAULT_PRIVATE_KEY is required in production; without it gated calls are only simulated")
	}
	if c.IsProduction() {
		for _, u := range []struct{ name, url string }{
			{"FACILITATOR_URL", c.FacilitatorURL},
			{"EXPLORER_API_URL", c.ExplorerAPIURL},
			{"DEX_API_URL", c.DexAPIURL},
			{"CEX_API_URL", c.CEXAPIURL},
		} {
			if err := security.ValidateEndpointURL(u.url); err != nil {
				return fmt.Errorf("%s: %w", u.name, err)
			}
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func isHexKey(key string) bool {
	key = strings.TrimPrefix(key, "0x")
	if len(key) != 64 {
		return false
	}
	for _, r := range key {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func parseBaseUnits(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil && n > 0
}

// Helper functions

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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
