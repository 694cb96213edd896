package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	BodyLimit string `mapstructure:"BODY_LIMIT"`

	StaleMaxTimeToProcess time.Duration `mapstructure:"STALE_MAX_TIME_TO_PROCESS"`
	StaleSweepInterval    time.Duration `mapstructure:"STALE_SWEEP_INTERVAL"`
	BatchConcurrency      int           `mapstructure:"BATCH_CONCURRENCY"`
	DispatchTimeout       time.Duration `mapstructure:"DISPATCH_TIMEOUT"`

	HIEAdapterMode     string        `mapstructure:"HIE_ADAPTER_MODE"`
	HIECommonWellURL   string        `mapstructure:"HIE_COMMONWELL_URL"`
	HIECareQualityURL  string        `mapstructure:"HIE_CAREQUALITY_URL"`
	HIETimeout         time.Duration `mapstructure:"HIE_TIMEOUT"`
	HIEMaxRetries      int           `mapstructure:"HIE_MAX_RETRIES"`
	HIECallbackBaseURL string        `mapstructure:"HIE_CALLBACK_BASE_URL"`

	WebhookURL        string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret     string `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxRetries int    `mapstructure:"WEBHOOK_MAX_RETRIES"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"BODY_LIMIT",
	"STALE_MAX_TIME_TO_PROCESS", "STALE_SWEEP_INTERVAL", "BATCH_CONCURRENCY", "DISPATCH_TIMEOUT",
	"HIE_ADAPTER_MODE", "HIE_COMMONWELL_URL", "HIE_CAREQUALITY_URL", "HIE_TIMEOUT",
	"HIE_MAX_RETRIES", "HIE_CALLBACK_BASE_URL",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_MAX_RETRIES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BODY_LIMIT", "256K")
	v.SetDefault("STALE_MAX_TIME_TO_PROCESS", 30*time.Minute)
	v.SetDefault("STALE_SWEEP_INTERVAL", 15*time.Minute)
	v.SetDefault("BATCH_CONCURRENCY", 10)
	v.SetDefault("DISPATCH_TIMEOUT", 2*time.Minute)
	v.SetDefault("HIE_ADAPTER_MODE", "current")
	v.SetDefault("HIE_TIMEOUT", 30*time.Second)
	v.SetDefault("HIE_MAX_RETRIES", 3)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 2)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, unauthenticated requests get admin access.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters in production")
	}

	switch strings.ToLower(c.HIEAdapterMode) {
	case "current", "legacy":
	default:
		return fmt.Errorf("HIE_ADAPTER_MODE must be \"current\" or \"legacy\", got %q", c.HIEAdapterMode)
	}

	for name, u := range map[string]string{
		"HIE_COMMONWELL_URL":    c.HIECommonWellURL,
		"HIE_CAREQUALITY_URL":   c.HIECareQualityURL,
		"HIE_CALLBACK_BASE_URL": c.HIECallbackBaseURL,
		"WEBHOOK_URL":           c.WebhookURL,
	} {
		if u == "" {
			continue
		}
		parsed, err := url.Parse(u)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) url, got %q", name, u)
		}
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}

	if c.StaleMaxTimeToProcess <= 0 {
		return fmt.Errorf("STALE_MAX_TIME_TO_PROCESS must be positive")
	}
	if c.StaleSweepInterval <= 0 {
		return fmt.Errorf("STALE_SWEEP_INTERVAL must be positive")
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1, got %d", c.BatchConcurrency)
	}
	if c.DispatchTimeout <= 0 || c.HIETimeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT and HIE_TIMEOUT must be positive")
	}
	return nil
}
