package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// QC engine
	QCWindowSize int `mapstructure:"QC_WINDOW_SIZE"`

	// Critical-result escalation
	EscalationThresholdMinutes int `mapstructure:"ESCALATION_THRESHOLD_MINUTES"`
	SweepIntervalMinutes       int `mapstructure:"SWEEP_INTERVAL_MINUTES"`
	DispatchConcurrency        int `mapstructure:"DISPATCH_CONCURRENCY"`
	NotifyTimeoutSeconds       int `mapstructure:"NOTIFY_TIMEOUT_SECONDS"`
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
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("QC_WINDOW_SIZE", 20)
	v.SetDefault("ESCALATION_THRESHOLD_MINUTES", 30)
	v.SetDefault("SWEEP_INTERVAL_MINUTES", 5)
	v.SetDefault("DISPATCH_CONCURRENCY", 10)
	v.SetDefault("NOTIFY_TIMEOUT_SECONDS", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("QC_WINDOW_SIZE")
	v.BindEnv("ESCALATION_THRESHOLD_MINUTES")
	v.BindEnv("SWEEP_INTERVAL_MINUTES")
	v.BindEnv("DISPATCH_CONCURRENCY")
	v.BindEnv("NOTIFY_TIMEOUT_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
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

// EscalationThreshold is how long an unacknowledged critical result may sit
// in the notified state before the sweeper escalates it.
func (c *Config) EscalationThreshold() time.Duration {
	return time.Duration(c.EscalationThresholdMinutes) * time.Minute
}

// SweepInterval is the cadence of the escalation sweeper.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// NotifyTimeout is the soft per-channel deadline for one send attempt.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. In production
// AUTH_ISSUER must be set so that real JWT authentication is enforced, and
// the alerting timings must be sane (a zero threshold would escalate every
// critical result on the first sweep).
func (c *Config) Validate() error {
	if c.IsProduction() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER is required in production (ENV=%q)", c.Env)
	}
	if c.QCWindowSize < 10 {
		return fmt.Errorf("QC_WINDOW_SIZE must be at least 10 (the 10x rule needs 10 points), got %d", c.QCWindowSize)
	}
	if c.EscalationThresholdMinutes <= 0 {
		return fmt.Errorf("ESCALATION_THRESHOLD_MINUTES must be positive, got %d", c.EscalationThresholdMinutes)
	}
	if c.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_MINUTES must be positive, got %d", c.SweepIntervalMinutes)
	}
	if c.DispatchConcurrency <= 0 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be positive, got %d", c.DispatchConcurrency)
	}
	return nil
}
