// Package config provides configuration loading from environment variables and flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Kiro gateway.
type Config struct {
	// Server settings
	Port            int
	Host            string
	GracefulTimeout time.Duration

	// Account store settings. When RedisURL is empty the gateway runs in
	// standalone file mode and watches TokenFile for credential changes.
	RedisURL       string
	RedisKeyPrefix string
	RedisPoolSize  int
	RedisTimeout   time.Duration
	TokenFile      string
	ClientFile     string

	// API settings
	APIKey string

	// HTTP client settings
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Kiro upstream settings
	KiroAPITimeout   time.Duration
	RetryBaseDelay   time.Duration
	MaxUpstreamRetry int

	// Logging
	LogLevel string
	LogJSON  bool

	// Dispatcher
	Cooldown      time.Duration
	QuotaResetUTC bool

	// Token refresh
	RefreshBeforeExpiry time.Duration

	// Context-length warnings (estimated tokens)
	ContextWarnTokens     int
	ContextCriticalTokens int
}

// Load reads configuration from environment variables and command-line flags.
// Environment variables take precedence over defaults.
// Command-line flags take precedence over environment variables.
func Load() *Config {
	cfg := &Config{
		Port:                  8317,
		Host:                  "0.0.0.0",
		GracefulTimeout:       30 * time.Second,
		RedisKeyPrefix:        "kirogw:",
		RedisPoolSize:         100,
		RedisTimeout:          3 * time.Second,
		TokenFile:             defaultTokenFile(),
		MaxConns:              100,
		MaxIdleConnsPerHost:   50,
		IdleConnTimeout:       90 * time.Second,
		KiroAPITimeout:        5 * time.Minute,
		RetryBaseDelay:        time.Second,
		MaxUpstreamRetry:      3,
		LogLevel:              "info",
		LogJSON:               true,
		Cooldown:              60 * time.Second,
		RefreshBeforeExpiry:   5 * time.Minute,
		ContextWarnTokens:     170_000,
		ContextCriticalTokens: 190_000,
	}

	cfg.loadFromEnv()
	cfg.parseFlags()

	return cfg
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kiro-auth-token.json"
	}
	return home + "/.aws/sso/cache/kiro-auth-token.json"
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("KIRO_GW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("KIRO_GW_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("REDIS_KEY_PREFIX"); v != "" {
		c.RedisKeyPrefix = v
	}
	if v := os.Getenv("KIRO_GW_TOKEN_FILE"); v != "" {
		c.TokenFile = v
	}
	if v := os.Getenv("KIRO_GW_CLIENT_FILE"); v != "" {
		c.ClientFile = v
	}
	if v := os.Getenv("KIRO_GW_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("KIRO_GW_MAX_CONNS"); v != "" {
		if conns, err := strconv.Atoi(v); err == nil {
			c.MaxConns = conns
		}
	}
	if v := os.Getenv("KIRO_GW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KIRO_GW_LOG_JSON"); v != "" {
		c.LogJSON = v == "true" || v == "1"
	}
	if v := os.Getenv("KIRO_GW_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cooldown = d
		}
	}
	if v := os.Getenv("KIRO_GW_REFRESH_BEFORE_EXPIRY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RefreshBeforeExpiry = d
		}
	}
	if v := os.Getenv("KIRO_GW_QUOTA_RESET_UTC"); v != "" {
		c.QuotaResetUTC = v == "true" || v == "1"
	}
	if v := os.Getenv("KIRO_GW_GRACEFUL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.GracefulTimeout = d
		}
	}
}

var flagsParsed bool

func (c *Config) parseFlags() {
	// Only parse flags once to avoid "flag redefined" panic in tests
	if flagsParsed {
		return
	}
	flagsParsed = true

	flag.IntVar(&c.Port, "port", c.Port, "Server port")
	flag.StringVar(&c.Host, "host", c.Host, "Server host")
	flag.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL (empty = standalone file mode)")
	flag.StringVar(&c.RedisKeyPrefix, "redis-prefix", c.RedisKeyPrefix, "Redis key prefix")
	flag.StringVar(&c.TokenFile, "token-file", c.TokenFile, "Credential file for standalone mode")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "API key for authentication")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	flag.Parse()
}
