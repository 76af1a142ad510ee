package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

func TestLoad(t *testing.T) {
	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", t.TempDir())

		cfg, err := Load(newViper(t))
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify store defaults
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		expectedStorePath := filepath.Join(gfconfig.GetAppDataDir(AppName), AppName+".db")
		assert.Equal(t, expectedStorePath, cfg.Store.Path)
		assert.Equal(t, "", cfg.Store.URL)

		// Verify dispatch defaults
		assert.Equal(t, 5, cfg.Scheduler.Limit)
		assert.Equal(t, time.Second, cfg.Scheduler.Interval)
		assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.MinSpacing)
		assert.InDelta(t, 1.0, cfg.Scheduler.SafetyMargin, 0.0001)
		assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
		assert.Equal(t, 60*time.Second, cfg.Breaker.ResetTimeout)
		assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
		assert.Equal(t, 6*time.Hour, cfg.Cache.CleanupInterval)

		// Verify quota defaults
		assert.Equal(t, 150, cfg.Quota.DailyLimit)
		assert.Equal(t, 150, cfg.Quota.BackendDailyPoints)
		assert.Equal(t, 3, cfg.Quota.EndpointCosts["/complexSearch"])
		assert.Equal(t, 1, cfg.Quota.DefaultCost)

		// Verify retry defaults
		assert.Equal(t, []time.Duration{
			time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		}, cfg.Retry.Delays)
		assert.Equal(t, 5, cfg.Retry.MaxAttempts)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Same(t, cfg, GetConfig())
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("QUOTALINE_CACHE_TTL", "90m")
		t.Setenv("QUOTALINE_SCHEDULER_LIMIT", "8")
		t.Setenv("QUOTALINE_RETRY_DELAYS", "10ms,20ms")
		t.Setenv("QUOTALINE_STORE_DRIVER", "memory")

		cfg, err := Load(newViper(t))
		require.NoError(t, err)

		assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
		assert.Equal(t, 8, cfg.Scheduler.Limit)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, cfg.Retry.Delays)
		assert.Equal(t, "memory", cfg.Store.Driver)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "quotaline.yaml")
		content := []byte(`
backend:
  base_url: http://127.0.0.1:9999
quota:
  daily_limit: 20
breaker:
  failure_threshold: 2
`)
		require.NoError(t, os.WriteFile(path, content, 0o600))

		v := newViper(t)
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())

		cfg, err := Load(v)
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:9999", cfg.Backend.BaseURL)
		assert.Equal(t, 20, cfg.Quota.DailyLimit)
		assert.Equal(t, 2, cfg.Breaker.FailureThreshold)
		assert.Equal(t, 5, cfg.Scheduler.Limit)
	})

	t.Run("RejectsInvalid", func(t *testing.T) {
		v := newViper(t)
		v.Set("scheduler.limit", 0)
		v.Set("cache.ttl", "0s")

		_, err := Load(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scheduler.limit")
		assert.Contains(t, err.Error(), "cache.ttl")
	})

	t.Run("NilViper", func(t *testing.T) {
		_, err := Load(nil)
		require.Error(t, err)
	})
}

func TestRetryDelaysFallback(t *testing.T) {
	var cfg *Config
	require.Len(t, cfg.RetryDelays(), 5)

	cfg = &Config{Retry: RetryConfig{Delays: []time.Duration{time.Millisecond}}}
	require.Equal(t, []time.Duration{time.Millisecond}, cfg.RetryDelays())
}

func TestDefaultStorePath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	path := DefaultStorePath()
	assert.Equal(t, AppName+".db", filepath.Base(path))
}
