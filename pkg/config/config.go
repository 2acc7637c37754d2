package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Ledger     LedgerConfig     `json:"ledger"`
	Retry      RetryConfig      `json:"retry"`
	Monitoring MonitoringConfig `json:"monitoring"`
	Alerting   AlertingConfig   `json:"alerting"`
	Auth       AuthConfig       `json:"auth"`
	Logging    LoggingConfig    `json:"logging"`
	Tracing    TracingConfig    `json:"tracing"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	MigrationsPath  string        `json:"migrations_path"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	// FeatureCostTTL bounds how stale a cached feature price may be
	FeatureCostTTL time.Duration `json:"feature_cost_ttl"`
}

// LedgerConfig contains token ledger configuration
type LedgerConfig struct {
	// StoreDriver selects the account store: "postgres" or "memory"
	StoreDriver  string `json:"store_driver"`
	WelcomeBonus int64  `json:"welcome_bonus"`
	// FeatureCosts seeds the in-memory price list, "key=cost,key=cost"
	FeatureCosts map[string]int64 `json:"feature_costs"`
}

// RetryConfig contains the default retry policy for provider calls
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// MonitoringConfig contains health monitoring and alert thresholds
type MonitoringConfig struct {
	DailyBudget           float64       `json:"daily_budget"`
	ResetLocation         string        `json:"reset_location"`
	AlertDedupWindow      time.Duration `json:"alert_dedup_window"`
	ErrorAlertThreshold   int           `json:"error_alert_threshold"`
	SlowResponseThreshold time.Duration `json:"slow_response_threshold"`
	Providers             []string      `json:"providers"`
}

// AlertingConfig contains alert notification channels
type AlertingConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
	SlackChannel    string `json:"slack_channel"`
	WebhookURL      string `json:"webhook_url"`
}

// AuthConfig contains ops API authentication configuration
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:           getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			AllowedOrigins: getEnvList("SERVER_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "governor"),
			User:            getEnvString("DB_USER", "governor"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsPath:  getEnvString("DB_MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Enabled:        getEnvBool("REDIS_ENABLED", true),
			Host:           getEnvString("REDIS_HOST", "localhost"),
			Port:           getEnvInt("REDIS_PORT", 6379),
			Password:       getEnvString("REDIS_PASSWORD", ""),
			DB:             getEnvInt("REDIS_DB", 0),
			PoolSize:       getEnvInt("REDIS_POOL_SIZE", 10),
			FeatureCostTTL: getEnvDuration("REDIS_FEATURE_COST_TTL", 5*time.Minute),
		},
		Ledger: LedgerConfig{
			StoreDriver:  getEnvString("LEDGER_STORE_DRIVER", "postgres"),
			WelcomeBonus: getEnvInt64("LEDGER_WELCOME_BONUS", 10),
			FeatureCosts: getEnvCostMap("LEDGER_FEATURE_COSTS"),
		},
		Retry: RetryConfig{
			MaxAttempts:       getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay:      getEnvDuration("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
			BackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
		},
		Monitoring: MonitoringConfig{
			DailyBudget:           getEnvFloat("MONITORING_DAILY_BUDGET", 1000),
			ResetLocation:         getEnvString("MONITORING_RESET_LOCATION", "UTC"),
			AlertDedupWindow:      getEnvDuration("MONITORING_ALERT_DEDUP_WINDOW", 5*time.Minute),
			ErrorAlertThreshold:   getEnvInt("MONITORING_ERROR_ALERT_THRESHOLD", 10),
			SlowResponseThreshold: getEnvDuration("MONITORING_SLOW_RESPONSE_THRESHOLD", 10*time.Second),
			Providers:             getEnvList("MONITORING_PROVIDERS", []string{"openai", "anthropic"}),
		},
		Alerting: AlertingConfig{
			SlackWebhookURL: getEnvString("ALERT_SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnvString("ALERT_SLACK_CHANNEL", "#ops-alerts"),
			WebhookURL:      getEnvString("ALERT_WEBHOOK_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvString("JWT_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "governor"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Ledger.StoreDriver {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("database password is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported ledger store driver: %s", c.Ledger.StoreDriver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}

	if c.Ledger.WelcomeBonus < 0 {
		return fmt.Errorf("welcome bonus cannot be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}

	if c.Monitoring.DailyBudget <= 0 {
		return fmt.Errorf("monitoring daily budget must be positive")
	}

	if _, err := time.LoadLocation(c.Monitoring.ResetLocation); err != nil {
		return fmt.Errorf("invalid monitoring reset location: %w", err)
	}

	return nil
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// getEnvCostMap parses "cover_letter=5,resume_review=3". Malformed pairs are skipped.
func getEnvCostMap(key string) map[string]int64 {
	costs := make(map[string]int64)
	for _, pair := range getEnvList(key, nil) {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		cost, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || cost <= 0 {
			continue
		}
		costs[strings.TrimSpace(parts[0])] = cost
	}
	return costs
}
