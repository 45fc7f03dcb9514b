package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdmin = "0xad00000000000000000000000000000000000003"
	testMint  = "0x00000000000000000000000000000000000000aa"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		AdminAddress:    testAdmin,
		MintAddress:     testMint,
		ProgramAddress:  DefaultProgramAddress,
		MintDecimals:    DefaultMintDecimals,
		SignatureMaxAge: DefaultSignatureMaxAge,
		LogFormat:       "json",
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESS", "0xAD00000000000000000000000000000000000003")
	setEnv(t, "MINT_ADDRESS", testMint)
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, testAdmin, cfg.AdminAddress, "addresses are lowercased")
	assert.Equal(t, DefaultProgramAddress, cfg.ProgramAddress)
	assert.Equal(t, DefaultMintDecimals, cfg.MintDecimals)
	assert.Equal(t, DefaultSignatureMaxAge, cfg.SignatureMaxAge)
	assert.Equal(t, DefaultExpiryScanInterval, cfg.ExpiryScanInterval)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
	assert.True(t, cfg.FaucetEnabled, "faucet defaults on in development")
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESS", testAdmin)
	setEnv(t, "MINT_ADDRESS", testMint)
	setEnv(t, "ENV", "production")
	setEnv(t, "AUTO_MIGRATE", "true")
	setEnv(t, "SIGNATURE_MAX_AGE", "90s")
	setEnv(t, "EXPIRY_SCAN_INTERVAL", "1m")
	setEnv(t, "MINT_DECIMALS", "9")
	setEnv(t, "LOG_FORMAT", "text")
	setEnv(t, "CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	setEnv(t, "OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.AutoMigrate)
	assert.False(t, cfg.FaucetEnabled, "faucet defaults off outside development")
	assert.Equal(t, 90*time.Second, cfg.SignatureMaxAge)
	assert.Equal(t, time.Minute, cfg.ExpiryScanInterval)
	assert.Equal(t, 9, cfg.MintDecimals)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.InDelta(t, 0.25, cfg.TraceSampleRatio, 1e-9)
}

func TestLoad_MissingAdmin(t *testing.T) {
	setEnv(t, "ADMIN_ADDRESS", "")
	setEnv(t, "MINT_ADDRESS", testMint)

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_ADDRESS is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"missing mint", func(c *Config) { c.MintAddress = "" }, "MINT_ADDRESS is required"},
		{"bad admin", func(c *Config) { c.AdminAddress = "admin" }, "ADMIN_ADDRESS must be"},
		{"bad mint", func(c *Config) { c.MintAddress = "0x12" }, "MINT_ADDRESS must be"},
		{"bad program", func(c *Config) { c.ProgramAddress = "program" }, "PROGRAM_ADDRESS must be"},
		{"decimals too large", func(c *Config) { c.MintDecimals = 19 }, "MINT_DECIMALS"},
		{"zero signature age", func(c *Config) { c.SignatureMaxAge = 0 }, "SIGNATURE_MAX_AGE"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"sample ratio above one", func(c *Config) { c.TraceSampleRatio = 1.5 }, "OTEL_TRACES_SAMPLER_ARG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_Addresses(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, DefaultProgramAddress, strings.ToLower(cfg.Program().Hex()))
	assert.Equal(t, testMint, strings.ToLower(cfg.Mint().Hex()))
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvBoolAndDuration(t *testing.T) {
	setEnv(t, "TEST_BOOL", "1")
	setEnv(t, "TEST_DUR", "250ms")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.True(t, getEnvBool("NONEXISTENT_VAR", true))
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
}
