package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/quotaline/quotaline/internal/errors"
	"github.com/quotaline/quotaline/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify that the configuration is valid and the configured store answers reads.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.WrapConfigInvalid(cmd.Context(), err, "configuration invalid"))
			return
		}
		logger.Info("✅ Configuration valid",
			zap.String("store_driver", cfg.Store.Driver),
			zap.String("backend", cfg.Backend.BaseURL))
		if cfg.Backend.APIKey == "" {
			logger.Warn("Backend API key is not set (QUOTALINE_BACKEND_API_KEY)")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Store unavailable", errwrap.WrapDatabaseError(ctx, err, "store unavailable"))
			return
		}
		defer a.Close() // nolint:errcheck // best-effort cleanup

		if _, _, err := a.store.Get(ctx, "health:ping"); err != nil {
			ExitWithCode(logger, foundry.ExitExternalServiceUnavailable, "Store read failed", errwrap.WrapDatabaseError(ctx, err, "store read failed"))
			return
		}
		logger.Info("✅ Store reachable", zap.String("driver", a.store.Driver()))

		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
