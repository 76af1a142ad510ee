package config

import "time"

// Config represents the complete application configuration.
// Values are layered: built-in defaults, optional YAML config file,
// then QUOTALINE_* environment variables and flag overrides.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Workers   int             `mapstructure:"workers"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the durable key-value backend.
//
// Drivers: sqlite (pure Go, default), libsql (local file or Turso URL),
// redis, memory.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	Namespace string `mapstructure:"namespace"`
}

// BackendConfig describes the upstream HTTP API.
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

// SchedulerConfig bounds dispatch throughput.
type SchedulerConfig struct {
	Limit        int           `mapstructure:"limit"`
	Interval     time.Duration `mapstructure:"interval"`
	MinSpacing   time.Duration `mapstructure:"min_spacing"`
	SafetyMargin float64       `mapstructure:"safety_margin"`
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// CacheConfig contains response cache configuration.
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// QuotaConfig contains per-caller and backend quota budgets.
type QuotaConfig struct {
	DailyLimit         int            `mapstructure:"daily_limit"`
	BackendDailyPoints int            `mapstructure:"backend_daily_points"`
	EndpointCosts      map[string]int `mapstructure:"endpoint_costs"`
	DefaultCost        int            `mapstructure:"default_cost"`
}

// RetryConfig controls dispatcher-level retries of rate limited calls.
type RetryConfig struct {
	Delays      []time.Duration `mapstructure:"delays"`
	MaxAttempts int             `mapstructure:"max_attempts"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: simple, structured
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether /metrics is served
	Enabled bool `mapstructure:"enabled"`
}
