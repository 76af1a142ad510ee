package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/config"
	"github.com/quotaline/quotaline/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, effective configuration and version information. Secrets are masked.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger

		log.Info("=== quotaline Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + config.AppName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := loadConfig()
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		configFile := viper.ConfigFileUsed()
		if configFile == "" {
			configFile = "(none)"
		}

		log.Info("Configuration:")
		log.Info("  Config File:    " + configFile)
		log.Info(fmt.Sprintf("  Server:         %s:%d", cfg.Server.Host, cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Log Profile:    "+cfg.Logging.Profile, zap.String("log_profile", cfg.Logging.Profile))
		log.Info(fmt.Sprintf("  Metrics:        %t", cfg.Metrics.Enabled))
		log.Info(fmt.Sprintf("  Workers:        %d", cfg.Workers))
		log.Info("")

		log.Info("Store:")
		log.Info("  Driver:         "+cfg.Store.Driver, zap.String("store_driver", cfg.Store.Driver))
		switch cfg.Store.Driver {
		case "redis":
			log.Info(fmt.Sprintf("  Redis:          %s/%d", cfg.Store.RedisAddr, cfg.Store.RedisDB))
		case "libsql":
			if strings.TrimSpace(cfg.Store.URL) != "" {
				log.Info("  URL:            " + cfg.Store.URL)
				log.Info("  Auth Token:     " + maskSecret(cfg.Store.AuthToken))
			} else {
				log.Info("  Path:           " + cfg.Store.Path)
			}
		case "sqlite":
			log.Info("  Path:           " + cfg.Store.Path)
		}
		log.Info("  Namespace:      " + cfg.Store.Namespace)
		log.Info("")

		log.Info("Backend:")
		log.Info("  Base URL:       " + cfg.Backend.BaseURL)
		log.Info("  API Key:        " + maskSecret(cfg.Backend.APIKey))
		log.Info("  Timeout:        " + cfg.Backend.Timeout.String())
		log.Info(fmt.Sprintf("  Scheduler:      %d per %s, spacing %s, margin %.2f",
			cfg.Scheduler.Limit, cfg.Scheduler.Interval, cfg.Scheduler.MinSpacing, cfg.Scheduler.SafetyMargin))
		log.Info(fmt.Sprintf("  Breaker:        %d failures, reset %s", cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout))
		log.Info(fmt.Sprintf("  Retry Delays:   %v", cfg.RetryDelays()))
		log.Info("")

		log.Info("Quotas:")
		log.Info(fmt.Sprintf("  Caller Daily:   %d", cfg.Quota.DailyLimit))
		log.Info(fmt.Sprintf("  Backend Points: %d (default cost %d)", cfg.Quota.BackendDailyPoints, cfg.Quota.DefaultCost))
		log.Info("  Cache TTL:      " + cfg.Cache.TTL.String())
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

// maskSecret hides all but the last four characters of a credential.
func maskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return "(not set)"
	case len(secret) <= 4:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
