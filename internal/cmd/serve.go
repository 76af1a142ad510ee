package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/quotaline/quotaline/internal/config"
	errwrap "github.com/quotaline/quotaline/internal/errors"
	"github.com/quotaline/quotaline/internal/observability"
	"github.com/quotaline/quotaline/internal/server"
)

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	Long: `Start the HTTP gateway with graceful shutdown support.

Expired cache entries are swept at startup and every cache.cleanup_interval
while serving.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (log level only; restart for other settings)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid configuration")
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile, config.AppName)
		logger := observability.ServerLogger

		var collector *observability.Collector
		if cfg.Metrics.Enabled {
			collector = observability.InitMetrics(config.AppName)
		}

		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize dispatcher", zap.Error(err))
			return errwrap.WrapInternal(cmd.Context(), err, "dispatcher initialization failed")
		}

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("store_driver", a.store.Driver()),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Bool("metrics", collector != nil))

		srv := server.New(cfg.Server, server.Deps{
			Dispatcher: a.dispatcher,
			Store:      a.store,
			Metrics:    collector,
			Version:    versionInfo.Version,
		})

		sweeper, err := startCacheSweeper(a, cfg.Cache.CleanupInterval, logger)
		if err != nil {
			_ = a.Close()
			return errwrap.WrapConfigInvalid(cmd.Context(), err, "invalid cache cleanup interval")
		}

		// Shutdown handlers run LIFO.
		signals.OnShutdown(func(ctx context.Context) error {
			logger := observability.ServerLogger
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Closing store...")
			if err := a.Close(); err != nil {
				return errwrap.WrapDatabaseError(ctx, err, "store close failed")
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()

			err := srv.Shutdown(shutdownCtx)
			select {
			case <-sweeper.Stop().Done():
			case <-shutdownCtx.Done():
				err = multierr.Append(err, shutdownCtx.Err())
			}
			if err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: attempting config reload")

			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			reloaded, err := loadConfig()
			if err != nil {
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
			if reloaded.Logging.Level != cfg.Logging.Level {
				cfg.Logging.Level = reloaded.Logging.Level
				observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile, config.AppName)
			}

			observability.ServerLogger.Info("Configuration reloaded",
				zap.String("file", viper.ConfigFileUsed()),
				zap.String("log_level", cfg.Logging.Level))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 2)
		go func() {
			if err := srv.Start(); err != nil {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(cmd.Context(), err, "server error")
		}
		return nil
	},
}

// startCacheSweeper runs one CleanupCache pass immediately, then schedules it
// every interval. A zero interval skips scheduling and returns a stopped cron.
func startCacheSweeper(a *app, interval time.Duration, logger *logging.Logger) (*cron.Cron, error) {
	sweeper := cron.New()
	sweepCache(a, logger)
	if interval <= 0 {
		return sweeper, nil
	}

	if _, err := sweeper.AddFunc("@every "+interval.String(), func() { sweepCache(a, logger) }); err != nil {
		return nil, err
	}
	sweeper.Start()
	return sweeper, nil
}

func sweepCache(a *app, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := a.dispatcher.CleanupCache(ctx)
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("Cache cleanup failed", zap.Error(err))
		return
	}
	logger.Info("Cache cleanup complete",
		zap.Int("scanned", result.Scanned),
		zap.Int("removed", result.Removed))
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
