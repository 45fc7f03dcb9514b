// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Escrow program
	ProgramAddress string // identity used for address derivation
	AdminAddress   string // dispute admin stamped on every record
	MintAddress    string // the escrowed asset
	MintDecimals   int

	// Security
	SignatureMaxAge time.Duration
	RateLimitRPM    int
	FaucetEnabled   bool
	CORSOrigins     []string // empty allows any origin

	// Background work
	ExpiryScanInterval time.Duration

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept; 0 keeps all
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultProgramAddress     = "0xe5c4000000000000000000000000000000000001"
	DefaultMintDecimals       = 6
	DefaultSignatureMaxAge    = 5 * time.Minute
	DefaultRateLimit          = 120
	DefaultExpiryScanInterval = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	env := getEnv("ENV", DefaultEnv)
	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                env,
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AutoMigrate:        getEnvBool("AUTO_MIGRATE", false),
		ProgramAddress:     strings.ToLower(getEnv("PROGRAM_ADDRESS", DefaultProgramAddress)),
		AdminAddress:       strings.ToLower(os.Getenv("ADMIN_ADDRESS")),
		MintAddress:        strings.ToLower(os.Getenv("MINT_ADDRESS")),
		MintDecimals:       int(getEnvInt64("MINT_DECIMALS", DefaultMintDecimals)),
		SignatureMaxAge:    getEnvDuration("SIGNATURE_MAX_AGE", DefaultSignatureMaxAge),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		FaucetEnabled:      getEnvBool("FAUCET_ENABLED", env == "development"),
		CORSOrigins:        getEnvList("CORS_ALLOWED_ORIGINS"),
		ExpiryScanInterval: getEnvDuration("EXPIRY_SCAN_INTERVAL", DefaultExpiryScanInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AdminAddress == "" {
		return fmt.Errorf("ADMIN_ADDRESS is required")
	}
	if !common.IsHexAddress(c.AdminAddress) {
		return fmt.Errorf("ADMIN_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if c.MintAddress == "" {
		return fmt.Errorf("MINT_ADDRESS is required")
	}
	if !common.IsHexAddress(c.MintAddress) {
		return fmt.Errorf("MINT_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if !common.IsHexAddress(c.ProgramAddress) {
		return fmt.Errorf("PROGRAM_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if c.MintDecimals < 0 || c.MintDecimals > 18 {
		return fmt.Errorf("MINT_DECIMALS must be between 0 and 18")
	}
	if c.SignatureMaxAge <= 0 {
		return fmt.Errorf("SIGNATURE_MAX_AGE must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	return nil
}

// Program returns the program identity as an address.
func (c *Config) Program() common.Address {
	return common.HexToAddress(c.ProgramAddress)
}

// Mint returns the escrowed asset as an address.
func (c *Config) Mint() common.Address {
	return common.HexToAddress(c.MintAddress)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
