package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Ledger backends.
const (
	LedgerBackendSQL    = "sql"
	LedgerBackendRedis  = "redis"
	LedgerBackendMemory = "memory"
)

type Config struct {
	// Remote entitlement authority
	APIKey      string        `mapstructure:"PAYKIT_API_KEY"`
	BaseURL     string        `mapstructure:"PAYKIT_BASE_URL"`
	HTTPTimeout time.Duration `mapstructure:"HTTP_TIMEOUT"`

	// Local storage
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	LedgerBackend string `mapstructure:"LEDGER_BACKEND"`

	// Retry and caching
	RetryDelay      time.Duration `mapstructure:"RETRY_DELAY"`
	ProductCacheTTL time.Duration `mapstructure:"PRODUCT_CACHE_TTL"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// Sandbox authority server
	Port           string  `mapstructure:"PORT"`
	Mode           string  `mapstructure:"GIN_MODE"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	AccessLevel    string  `mapstructure:"DEFAULT_ACCESS_LEVEL"`
}

var AppConfig *Config

var defaults = map[string]any{
	"PAYKIT_API_KEY":       "default-api-key",
	"PAYKIT_BASE_URL":      "http://localhost:8080",
	"HTTP_TIMEOUT":         30 * time.Second,
	"DATABASE_URL":         "",
	"SQLITE_PATH":          "paykit.db",
	"REDIS_URL":            "",
	"LEDGER_BACKEND":       LedgerBackendSQL,
	"RETRY_DELAY":          2 * time.Second,
	"PRODUCT_CACHE_TTL":    10 * time.Minute,
	"LOG_LEVEL":            "info",
	"LOG_FORMAT":           "text",
	"PORT":                 "8080",
	"GIN_MODE":             "debug",
	"RATE_LIMIT_RPS":       20.0,
	"RATE_LIMIT_BURST":     40,
	"DEFAULT_ACCESS_LEVEL": "premium",
}

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	cfg, err := Load(viper.New())
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load reads configuration from the environment through v.
func Load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
		// Bind explicitly so Unmarshal sees variables that only exist in the environment.
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the rest of the module cannot work with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LedgerBackend) {
	case LedgerBackendSQL, LedgerBackendMemory:
	case LedgerBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("LEDGER_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.APIKey == "" {
		return fmt.Errorf("PAYKIT_API_KEY is not set")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("RETRY_DELAY must not be negative")
	}
	return nil
}
