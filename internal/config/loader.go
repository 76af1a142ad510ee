// Package config provides centralized configuration management for quotaline.
// Layer 1: built-in defaults (SetDefaults)
// Layer 2: optional YAML config file discovered under the XDG config directory
// Layer 3: QUOTALINE_* environment variables and flag overrides
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppName names config, data directory and env prefix.
const AppName = "quotaline"

// EnvPrefix is the environment variable prefix (QUOTALINE_CACHE_TTL, ...).
const EnvPrefix = "QUOTALINE"

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.namespace", AppName)

	// Backend defaults
	v.SetDefault("backend.base_url", "https://api.spoonacular.com/recipes")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.timeout", "10s")
	v.SetDefault("backend.max_attempts", 3)
	v.SetDefault("backend.initial_backoff", "1s")

	// Scheduler defaults
	v.SetDefault("scheduler.limit", 5)
	v.SetDefault("scheduler.interval", "1s")
	v.SetDefault("scheduler.min_spacing", "100ms")
	v.SetDefault("scheduler.safety_margin", 1.0)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "60s")

	// Cache defaults
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.cleanup_interval", "6h")

	// Quota defaults
	v.SetDefault("quota.daily_limit", 150)
	v.SetDefault("quota.backend_daily_points", 150)
	v.SetDefault("quota.endpoint_costs", map[string]int{
		"/complexSearch": 3,
		"/information":   1,
		"/random":        1,
	})
	v.SetDefault("quota.default_cost", 1)

	// Retry defaults
	v.SetDefault("retry.delays", []string{"1s", "2s", "4s", "8s", "16s"})
	v.SetDefault("retry.max_attempts", 5)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)

	// Worker defaults
	v.SetDefault("workers", 4)
}

// BindEnv enables QUOTALINE_* environment overrides for nested keys.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes the merged settings of v into a validated Config.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		return nil, errors.New("viper instance is required")
	}

	// Unmarshal into typed config struct
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToDurationSliceHook(","),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings(v)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Store the loaded config
	setConfig(cfg)

	return cfg, nil
}

// stringToDurationSliceHook splits "1s,2s" env values before element decoding.
func stringToDurationSliceHook(sep string) mapstructure.DecodeHookFuncType {
	durationSlice := reflect.TypeOf([]time.Duration{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != durationSlice {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []time.Duration{}, nil
		}
		parts := strings.Split(raw, sep)
		out := make([]time.Duration, 0, len(parts))
		for _, part := range parts {
			d, err := time.ParseDuration(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q: %w", part, err)
			}
			out = append(out, d)
		}
		return out, nil
	}
}

// settings resolves every known key so that environment overrides, which
// AllSettings only reports for keys it already knows about, are honoured.
func settings(v *viper.Viper) map[string]any {
	out := map[string]any{}
	for _, key := range v.AllKeys() {
		setPath(out, strings.Split(key, "."), v.Get(key))
	}
	return out
}

func setPath(root map[string]any, path []string, value any) {
	node := root
	for _, part := range path[:len(path)-1] {
		next, ok := node[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[part] = next
		}
		node = next
	}
	node[path[len(path)-1]] = value
}

// Validate rejects configurations the dispatcher cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var problems []string
	if c.Scheduler.Limit <= 0 {
		problems = append(problems, "scheduler.limit must be positive")
	}
	if c.Scheduler.Interval <= 0 {
		problems = append(problems, "scheduler.interval must be positive")
	}
	if c.Scheduler.MinSpacing < 0 {
		problems = append(problems, "scheduler.min_spacing must not be negative")
	}
	if c.Scheduler.SafetyMargin < 0 || c.Scheduler.SafetyMargin > 1 {
		problems = append(problems, "scheduler.safety_margin must be within (0,1]")
	}
	if c.Breaker.FailureThreshold <= 0 {
		problems = append(problems, "breaker.failure_threshold must be positive")
	}
	if c.Breaker.ResetTimeout <= 0 {
		problems = append(problems, "breaker.reset_timeout must be positive")
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive")
	}
	if c.Quota.DailyLimit <= 0 {
		problems = append(problems, "quota.daily_limit must be positive")
	}
	if c.Quota.BackendDailyPoints < 0 {
		problems = append(problems, "quota.backend_daily_points must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		problems = append(problems, "retry.max_attempts must not be negative")
	}
	for _, delay := range c.Retry.Delays {
		if delay < 0 {
			problems = append(problems, "retry.delays must not be negative")
			break
		}
	}
	if c.Backend.MaxAttempts < 0 {
		problems = append(problems, "backend.max_attempts must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RetryDelays returns the configured backoff sequence or the built-in one.
func (c *Config) RetryDelays() []time.Duration {
	if c == nil || len(c.Retry.Delays) == 0 {
		return []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	}
	return c.Retry.Delays
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
